package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	csvsink "github.com/JakeFAU/jobmarket-crawler/internal/storage/csv"
)

// newDedupeCmd creates the 'dedupe' subcommand.
func newDedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Removes duplicate listings from existing CSV files",
		Long: `Rewrites every CSV destination under storage.output_dir, keeping the first
row for each (location, URL) identity.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			sink, err := csvsink.New(csvsink.Config{OutputDir: rt.cfg.Storage.OutputDir}, rt.logger.Named("csv"))
			if err != nil {
				return err
			}
			dests, err := sink.Destinations()
			if err != nil {
				return err
			}

			total := 0
			for _, dest := range dests {
				removed, err := sink.Compact(cmd.Context(), dest)
				if err != nil {
					return fmt.Errorf("compact %s: %w", dest, err)
				}
				total += removed
			}
			rt.logger.Info("Dedupe finished", zap.Int("files", len(dests)), zap.Int("removed", total))
			fmt.Fprintf(cmd.OutOrStdout(), "%d duplicate rows removed across %d files\n", total, len(dests))
			return nil
		},
	}
}
