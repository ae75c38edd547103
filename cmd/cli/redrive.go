package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcelsud/webhook-redrive/redrive"
)

func newRedriveCmd(open opener) *cobra.Command {
	var (
		orgID      string
		reason     string
		newLineage bool
	)

	cmd := &cobra.Command{
		Use:   "redrive <delivery-id>...",
		Short: "Re-drive deliveries and wait for the job to finish",
		Args:  cobra.MinimumNArgs(1),
		Example: `  webhook-redrive redrive --org org_1 --reason "endpoint fixed" d_1 d_2
  webhook-redrive redrive --org org_1 --new-lineage d_3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Stop(cmd.Context())

			job, err := e.Orchestrator.CreateJob(cmd.Context(), redrive.Request{
				OrgID:       orgID,
				DeliveryIDs: args,
				Reason:      reason,
				NewLineage:  newLineage,
			})
			if err != nil {
				return err
			}
			if !job.Status.IsFinal() {
				if job, err = e.Orchestrator.Run(cmd.Context(), job.ID); err != nil {
					return err
				}
			}

			printJob(cmd.OutOrStdout(), job)
			if job.Status == redrive.Failed {
				return fmt.Errorf("redrive job %s failed", job.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization owning the deliveries")
	cmd.Flags().StringVar(&reason, "reason", "", "why the deliveries are re-driven")
	cmd.Flags().BoolVar(&newLineage, "new-lineage", false, "re-create failed deliveries with a fresh attempt budget")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func newJobCmd(open opener) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a redrive job and its targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Stop(cmd.Context())

			job, err := e.Orchestrator.Get(cmd.Context(), orgID, args[0])
			if err != nil {
				return err
			}
			targets, err := e.Orchestrator.Targets(cmd.Context(), orgID, job.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printJob(out, job)
			for _, t := range targets {
				fmt.Fprintf(out, "  %s %s", t.DeliveryID, t.State)
				if t.Error != "" {
					fmt.Fprintf(out, " (%s)", t.Error)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization owning the job")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func printJob(w io.Writer, job redrive.Job) {
	fmt.Fprintf(w, "job %s: %s\n", job.ID, job.Status)
	fmt.Fprintf(w, "  requested %d, targets %d, rejected %d\n", job.TotalRequested, job.Total, len(job.RejectedIDs))
	fmt.Fprintf(w, "  processed %d, successful %d, failed %d, skipped %d, cancelled %d\n",
		job.Processed, job.Successful, job.Failed, job.Skipped, job.Cancelled)
	if job.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s\n", job.ErrorMessage)
	}
	if job.IsCancelled() {
		fmt.Fprintf(w, "  cancelled at %s\n", job.CancelledAt.Format(time.RFC3339))
	}
	if !job.CompletedAt.IsZero() {
		fmt.Fprintf(w, "  completed at %s\n", job.CompletedAt.Format(time.RFC3339))
	}
}
