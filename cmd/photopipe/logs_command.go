package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"photopipe/internal/api"
	"photopipe/internal/apiclient"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		query  apiclient.LogQuery
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				out := cmd.OutOrStdout()
				for {
					page, err := client.Logs(cmd.Context(), query)
					if err != nil {
						if cmd.Context().Err() != nil {
							return nil
						}
						return err
					}
					for _, event := range page.Events {
						if asJSON {
							if err := writeJSON(cmd, event); err != nil {
								return err
							}
							continue
						}
						printLogEvent(out, event)
					}
					if !query.Follow {
						return nil
					}
					if page.Next > query.Since {
						query.Since = page.Next
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&query.Limit, "lines", "n", 100, "Number of events to fetch")
	cmd.Flags().BoolVarP(&query.Follow, "follow", "f", false, "Keep streaming new events")
	cmd.Flags().StringVar(&query.Component, "component", "", "Only events from this component")
	cmd.Flags().StringVar(&query.JobID, "job", "", "Only events for this job")
	cmd.Flags().StringVar(&query.ExportID, "export", "", "Only events for this export")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output one JSON object per event")
	return cmd
}

func printLogEvent(out io.Writer, event api.LogEvent) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", event.Timestamp, strings.ToUpper(event.Level))
	if event.Component != "" {
		fmt.Fprintf(&b, " [%s]", event.Component)
	}
	b.WriteString(" ")
	b.WriteString(event.Message)
	for _, pair := range []struct{ key, value string }{
		{"job", event.JobID},
		{"export", event.ExportID},
		{"stage", event.Stage},
	} {
		if pair.value != "" {
			fmt.Fprintf(&b, " %s=%s", pair.key, pair.value)
		}
	}
	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, event.Fields[k])
	}
	fmt.Fprintln(out, b.String())
}
