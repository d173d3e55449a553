package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"photopipe/internal/api"
	"photopipe/internal/apiclient"
	"photopipe/internal/jobstore"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit pipeline jobs",
	}
	jobCmd.AddCommand(newJobSubmitCommand(ctx))
	return jobCmd
}

func newJobSubmitCommand(ctx *commandContext) *cobra.Command {
	var jobType string
	var userID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "submit <asset-id>",
		Short: "Queue a pipeline job for an uploaded asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := jobstore.ParseJobType(jobType)
			if !ok {
				return fmt.Errorf("unknown job type %q (want full_pipeline, vision_only, synthesis_only or embed_only)", jobType)
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				job, err := client.SubmitJob(cmd.Context(), api.JobRequest{
					AssetID: strings.TrimSpace(args[0]),
					Type:    string(parsed),
					UserID:  strings.TrimSpace(userID),
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued (%s) for asset %s\n", job.ID, job.Type, job.AssetID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&jobType, "type", "t", string(jobstore.JobTypeFull), "Job type")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Submitting user (defaults to the asset owner)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}
