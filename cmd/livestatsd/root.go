package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/config"
)

// loadConfig is replaced in tests.
var loadConfig = config.Load

// cli carries state shared by the subcommands.
type cli struct {
	cfg *config.AppConfig
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Shared live row counts over Postgres",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if err := log.Configure(cfg.Env, cfg.Log.Level); err != nil {
				return fmt.Errorf("logging configuration error: %w", err)
			}
			c.cfg = cfg
			return nil
		},
	}
	root.AddCommand(
		newServeCmd(c),
		newWatchCmd(c),
		newTriggerCmd(c),
	)
	return root
}
