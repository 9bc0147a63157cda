package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobmarket-crawler/internal/app"
	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

// newCheckpointCmd creates the 'checkpoint' subcommand.
func newCheckpointCmd() *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Shows or resets the resume position",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			store, err := app.NewCheckpointStore(rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if reset {
				if err := store.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("reset checkpoint: %w", err)
				}
				fmt.Fprintf(out, "checkpoint %s removed\n", store.Path())
				return nil
			}

			plan, err := app.NewPlanner(rt.cfg.Dimensions)
			if err != nil {
				return err
			}
			cp, err := store.Load(cmd.Context())
			if errors.Is(err, crawler.ErrCheckpointCorrupt) {
				fmt.Fprintf(out, "checkpoint %s is corrupt; the next crawl starts over\n", store.Path())
				return nil
			}
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}

			next := plan.Resolve(cp)
			if next >= plan.Len() {
				fmt.Fprintf(out, "plan complete (%s)\n", plan.Describe())
				return nil
			}
			key, err := plan.At(next)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "next search %d of %d: %s at cursor %d\n", next+1, plan.Len(), key, cp.PageCursor)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "remove the checkpoint file")
	return cmd
}
