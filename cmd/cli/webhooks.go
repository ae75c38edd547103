package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcelsud/webhook-redrive/seed"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "validate <file>",
		Short:   "Validate a webhook seed file",
		Args:    cobra.ExactArgs(1),
		Example: `  webhook-redrive validate webhooks.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := seed.Load(args[0])
			if err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "File is valid: %s\n", args[0])
			for _, wh := range s.List() {
				state := "active"
				if !wh.Active {
					state = "inactive"
				}
				fmt.Fprintf(out, "  %s (%s) %s %v [%s]\n", wh.ID, wh.OrgID, wh.URL, wh.Events, state)
			}
			return nil
		},
	}
}

func newSeedCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Register the webhooks of a seed file",
		Long: `Register the webhooks of a seed file in the configured store.

Webhooks whose id already exists are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := seed.Load(args[0])
			if err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Stop(cmd.Context())

			result, err := e.Apply(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, skipped %d\n", result.Created, result.Skipped)
			return nil
		},
	}
}
