package main

import (
	"github.com/spf13/cobra"

	"github.com/haukened/livestats/internal/stats/common/log"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve GET /api/counts from the Postgres backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info(map[string]any{
				"version":   version,
				"env":       c.cfg.Env,
				"log_level": c.cfg.Log.Level,
				"port":      c.cfg.Serve.Port,
			}, "Starting livestats aggregation endpoint")

			app, err := buildApplication(c.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Warn(map[string]any{"error": err}, "Error during shutdown")
				}
			}()
			if err := app.Serve(cmd.Context()); err != nil {
				return err
			}
			log.Info(nil, "Aggregation endpoint stopped gracefully")
			return nil
		},
	}
}
