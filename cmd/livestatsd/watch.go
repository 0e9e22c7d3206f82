package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/domain"
	"github.com/haukened/livestats/internal/stats/services/registry"
)

type watchOptions struct {
	tables  []string
	filters []string
	initial int64
	once    bool
}

func newWatchCmd(c *cli) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live counts for tables as they change",
		Long: "Registers one consumer per --table, each restricted by every --filter,\n" +
			"and prints a line whenever a count changes. Filters use column.op.value\n" +
			`with op one of eq, neq, is, e.g. status.eq.pending_review or deleted_at.is.null.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := make([]domain.FilterPredicate, 0, len(opts.filters))
			for _, s := range opts.filters {
				f, err := domain.ParseFilter(s)
				if err != nil {
					return fmt.Errorf("invalid --filter %q: %w", s, err)
				}
				filters = append(filters, f)
			}

			app, err := buildApplication(c.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Warn(map[string]any{"error": err}, "Error during shutdown")
				}
			}()

			var initial []int64
			if cmd.Flags().Changed("initial") {
				initial = []int64{opts.initial}
			}
			return watch(cmd, app.registry, opts.tables, filters, initial, opts.once)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.tables, "table", "t", nil, "table to count (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.filters, "filter", "f", nil, "filter as column.op.value (repeatable)")
	cmd.Flags().Int64Var(&opts.initial, "initial", 0, "value to show until the first count resolves")
	cmd.Flags().BoolVar(&opts.once, "once", false, "exit after every table has printed a resolved count")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

// watch holds one handle per table and prints counts until the command's
// context ends, or with once, until each count has resolved.
func watch(cmd *cobra.Command, reg *registry.Registry, tables []string, filters []domain.FilterPredicate, initial []int64, once bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	updates := make(chan *registry.Handle)
	stop := make(chan struct{})
	defer close(stop)

	handles := make([]*registry.Handle, 0, len(tables))
	for _, t := range tables {
		h := reg.Acquire(t, filters, initial...)
		defer h.Release()
		handles = append(handles, h)
		printEntry(out, h)
	}
	for _, h := range handles {
		go func() {
			for range h.Updates() {
				select {
				case updates <- h:
				case <-stop:
					return
				}
			}
		}()
	}

	resolved := make(map[*registry.Handle]bool, len(handles))
	for {
		select {
		case <-ctx.Done():
			return nil
		case h := <-updates:
			printEntry(out, h)
			if _, ok := h.Count(); ok {
				resolved[h] = true
			}
			if once && len(resolved) == len(handles) {
				return nil
			}
		}
	}
}

func printEntry(out io.Writer, h *registry.Handle) {
	e, _ := h.Entry()
	n, ok := e.Value()
	if !ok {
		fmt.Fprintf(out, "%s\tloading\n", h.Key())
		return
	}
	fmt.Fprintf(out, "%s\t%d\t%s\n", h.Key(), n, e.UpdatedAt.Format(time.RFC3339))
}
