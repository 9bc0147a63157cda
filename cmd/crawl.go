package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobmarket-crawler/internal/app"
	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
	"github.com/JakeFAU/jobmarket-crawler/internal/telemetry"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var fresh bool

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl from the last checkpoint",
		Long: `Runs every search in the plan, starting from the saved checkpoint.
SIGINT or SIGTERM stops the run after in-flight pages settle; the checkpoint
then points at the first page that was not persisted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, fresh)
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "discard the checkpoint and start from the first search")
	return cmd
}

func runCrawl(cmd *cobra.Command, fresh bool) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, rt.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if terr := shutdownTracing(context.WithoutCancel(ctx)); terr != nil {
			rt.logger.Warn("Failed to stop tracing", zap.Error(terr))
		}
	}()

	a, err := app.Build(ctx, rt.cfg, rt.logger)
	if err != nil {
		err = fmt.Errorf("build pipeline: %w", err)
		summary := abortedSummary(rt, err)
		rt.logger.Error("crawl finished",
			zap.String("status", string(summary.Status)),
			zap.Int("total_keys", summary.TotalKeys),
			zap.String("error", summary.ErrorText),
		)
		if werr := writeSummary(cmd, summary); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			rt.logger.Warn("Failed to close pipeline", zap.Error(cerr))
		}
	}()

	if fresh {
		if err := a.Checkpoints().Reset(ctx); err != nil {
			return fmt.Errorf("reset checkpoint: %w", err)
		}
		rt.logger.Info("Checkpoint reset", zap.String("path", a.Checkpoints().Path()))
	}

	report, runErr := a.Run(ctx)

	if err := writeSummary(cmd, report.Summary); err != nil {
		return err
	}

	if report.Summary.Status == crawler.RunCanceled {
		rt.logger.Info("Crawl interrupted; rerun to resume from the checkpoint")
		return nil
	}
	if runErr != nil {
		return fmt.Errorf("run crawl: %w", runErr)
	}
	return nil
}

func writeSummary(cmd *cobra.Command, summary crawler.RunSummary) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// abortedSummary describes a run that failed before the engine started.
func abortedSummary(rt *session, err error) crawler.RunSummary {
	now := time.Now().UTC()
	summary := crawler.RunSummary{
		Status:     crawler.RunAborted,
		StartedAt:  now,
		FinishedAt: now,
		ErrorText:  err.Error(),
	}
	if plan, perr := app.NewPlanner(rt.cfg.Dimensions); perr == nil {
		summary.TotalKeys = plan.Len()
	}
	return summary
}
