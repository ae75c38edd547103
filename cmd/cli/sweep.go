package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Dispatch due retries and resume unfinished redrive jobs once",
		Long: `Run a single retry sweep and a single redrive sweep, then exit.

Useful when no API process is running the background loops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Stop(cmd.Context())

			n, err := e.Scheduler.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if err := e.Orchestrator.Sweep(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d due deliveries\n", n)
			return nil
		},
	}
}
