package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"photopipe/internal/api"
	"photopipe/internal/apiclient"
	"photopipe/internal/export"
	"photopipe/internal/jobstore"
)

const exportPollInterval = time.Second

func newExportCommand(ctx *commandContext) *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Create and inspect export archives",
	}
	exportCmd.AddCommand(newExportCreateCommand(ctx))
	exportCmd.AddCommand(newExportShowCommand(ctx))
	return exportCmd
}

func newExportCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		projectID string
		userID    string
		opts      export.Options
		wait      bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "create <asset-id>...",
		Short: "Request an archive of the given assets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := export.Request{
				ProjectID: strings.TrimSpace(projectID),
				UserID:    strings.TrimSpace(userID),
				AssetIDs:  args,
				Options:   opts,
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				created, err := client.CreateExport(cmd.Context(), req)
				if err != nil {
					if retry, ok := apiclient.RetryAfter(err); ok {
						return fmt.Errorf("%w (try again in %s)", err, retry)
					}
					return err
				}
				if !wait {
					if asJSON {
						return writeJSON(cmd, created)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Export %s accepted (%d assets)\n", created.ID, created.AssetCount)
					return nil
				}
				final, err := waitForExport(cmd.Context(), client, created.ID, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, final)
				}
				printExport(cmd.OutOrStdout(), final)
				if final.Export.Status == jobstore.ExportFailed {
					return fmt.Errorf("export %s failed: %s", final.Export.ID, final.Export.ErrorMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project id")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Requesting user id for the per-user cooldown")
	cmd.Flags().StringVar(&opts.Format, "format", "", "Output format: original, jpeg or png")
	cmd.Flags().IntVar(&opts.MaxEdge, "max-edge", 0, "Downscale so the longest edge fits")
	cmd.Flags().IntVar(&opts.Quality, "quality", 0, "JPEG quality (1-100)")
	cmd.Flags().StringVar((*string)(&opts.Naming), "naming", "", "Entry naming: original, asset_id or sequence")
	cmd.Flags().BoolVar(&opts.ReembedMetadata, "reembed", false, "Write metadata back into transformed files")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the archive is ready")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newExportShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <export-id>",
		Short: "Show an export and its per-asset outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.Export(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				printExport(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

// waitForExport polls until the export reaches a terminal state, reporting
// progress changes to progressOut.
func waitForExport(ctx context.Context, client *apiclient.Client, id string, progressOut io.Writer) (api.ExportResponse, error) {
	ticker := time.NewTicker(exportPollInterval)
	defer ticker.Stop()
	lastMessage := ""
	for {
		resp, err := client.Export(ctx, id)
		if err != nil {
			return api.ExportResponse{}, err
		}
		if resp.Export == nil {
			return api.ExportResponse{}, fmt.Errorf("export %s not found", id)
		}
		switch resp.Export.Status {
		case jobstore.ExportCompleted, jobstore.ExportFailed:
			return resp, nil
		}
		if p := resp.Progress; p != nil && p.Message != lastMessage {
			lastMessage = p.Message
			fmt.Fprintf(progressOut, "%3d%% %s\n", p.Percent, p.Message)
		}
		select {
		case <-ctx.Done():
			return api.ExportResponse{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printExport(out io.Writer, resp api.ExportResponse) {
	e := resp.Export
	if e == nil {
		fmt.Fprintln(out, "Export not found")
		return
	}
	pairs := [][2]string{
		{"Export", e.ID},
		{"Project", e.ProjectID},
		{"Status", string(e.Status)},
		{"Files", fmt.Sprintf("%d of %d", e.FilesAdded, e.AssetCount)},
	}
	if e.OutputPath != "" {
		pairs = append(pairs, [2]string{"Output", e.OutputPath})
	}
	if e.ErrorMessage != "" {
		pairs = append(pairs, [2]string{"Error", e.ErrorMessage})
	}
	fmt.Fprintln(out, renderKeyValues(pairs))
	if len(resp.Assets) == 0 {
		return
	}
	rows := make([][]string, 0, len(resp.Assets))
	for _, a := range resp.Assets {
		rows = append(rows, []string{fmt.Sprint(a.Position + 1), a.AssetID, a.Status, a.Source, a.Reason})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Asset", "Status", "Source", "Reason"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	))
}
