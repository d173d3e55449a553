package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"photopipe/internal/api"
	"photopipe/internal/apiclient"
	"photopipe/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the work queues",
	}
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-queue depth counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status.Queue)
				}
				printQueueStats(cmd.OutOrStdout(), status.Queue)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func printQueueStats(out io.Writer, stats queue.Stats) {
	fmt.Fprintf(out, "Mode: %s\n", stats.Mode)
	rows := make([][]string, 0, len(queue.Names))
	for _, name := range queue.Names {
		counts := stats.Queues[name]
		rows = append(rows, []string{
			string(name),
			strconv.FormatInt(counts.Waiting, 10),
			strconv.FormatInt(counts.Delayed, 10),
			strconv.FormatInt(counts.Active, 10),
			strconv.FormatInt(counts.Completed, 10),
			strconv.FormatInt(counts.Failed, 10),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Queue", "Waiting", "Delayed", "Active", "Completed", "Failed"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	))
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				printStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func printStatus(out io.Writer, status api.StatusResponse) {
	gate := "free"
	if status.Gate.Held {
		gate = fmt.Sprintf("held by %s since %s", status.Gate.Owner, humanize.Time(status.Gate.AcquiredAt))
	}
	fmt.Fprintln(out, renderKeyValues([][2]string{
		{"Running", yesNo(status.Running)},
		{"PID", strconv.Itoa(status.PID)},
		{"Started", status.StartedAt},
		{"Export gate", gate},
		{"Rate limited users", strconv.Itoa(status.RateLimitEntries)},
		{"Object storage", yesNo(status.StorageAvailable)},
		{"Progress streams", strconv.Itoa(status.ProgressStreams)},
		{"Cache", fmt.Sprintf("%d dirs, %d files, %s", status.Cache.Directories, status.Cache.Files, humanize.IBytes(uint64(max(status.Cache.Bytes, 0))))},
		{"Database", databaseSummary(status)},
	}))
	printQueueStats(out, status.Queue)
	for _, result := range status.Preflight {
		if !result.Passed {
			fmt.Fprintf(out, "preflight: %s failed: %s\n", result.Name, result.Detail)
		}
	}
}

func databaseSummary(status api.StatusResponse) string {
	db := status.Database
	if db.Error != "" {
		return db.Error
	}
	integrity := "ok"
	if !db.IntegrityCheck {
		integrity = "failed"
	}
	return fmt.Sprintf("%s (schema v%d, integrity %s)", db.DBPath, db.SchemaVersion, integrity)
}
