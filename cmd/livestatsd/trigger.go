package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haukened/livestats/internal/stats/gateways/postgres"
)

func newTriggerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger TABLE...",
		Short: "Print the SQL that installs change notification triggers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for i, table := range args {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "-- %s\n", table)
				fmt.Fprint(out, postgres.TriggerSQL(c.cfg.Backend.NotifyPrefix, table))
			}
			return nil
		},
	}
}
