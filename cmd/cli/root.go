package main

import (
	"github.com/spf13/cobra"

	"github.com/marcelsud/webhook-redrive/config"
	"github.com/marcelsud/webhook-redrive/internal/engine"
)

// newRootCmd creates a fresh command tree, so tests never share flag state
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "webhook-redrive",
		Short: "Operate the webhook delivery engine",
		Long: `webhook-redrive operates the webhook delivery engine from the command line.

It validates and applies webhook seed files, re-drives failed deliveries,
inspects redrive jobs and runs one-shot retry sweeps against the configured store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $WEBHOOK_REDRIVE_CONFIG or ./config.yaml)")

	open := func(cmd *cobra.Command) (*engine.Engine, error) {
		cfg, err := config.GetConfig(cfgFile)
		if err != nil {
			return nil, err
		}
		logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		return engine.New(*cfg, logger)
	}

	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newSeedCmd(open))
	cmd.AddCommand(newRedriveCmd(open))
	cmd.AddCommand(newJobCmd(open))
	cmd.AddCommand(newSweepCmd(open))

	return cmd
}

// opener builds the engine from the persistent flags
type opener func(cmd *cobra.Command) (*engine.Engine, error)
