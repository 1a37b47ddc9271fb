package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/episteme-ai/episteme"
	"github.com/episteme-ai/episteme/internal/audit"
	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/metering"
	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/telemetry"
	"github.com/episteme-ai/episteme/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon until SIGINT or SIGTERM",
	Long: `Connects the database, migrates the shared schema, then runs the
enrichment worker pool and the maintenance sweeps (usage flush, daily
snapshot, confidence decay, nightly batch extraction, audit retention)
until a shutdown signal arrives. Buffered usage counters are flushed
before exit.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := telemetry.Init(ctx, "epistemed", Version); err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer telemetry.Shutdown(context.Background())

	c, err := episteme.Open(ctx, cfg, episteme.Options{}, log)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfgPath != "" {
		// Metering overrides hot-reload on their own; everything else
		// needs a restart, so a file edit only gets a notice.
		err := config.Watch(cfgPath,
			func(*config.Config) { log.Info("config file changed, restart to apply") },
			func(err error) { log.Warn("config file change rejected", zap.Error(err)) },
		)
		if err != nil {
			log.Warn("config watch unavailable", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	supervise(g, gctx, func() error { c.Meter.StartFlusher(); return nil }, c.Meter.StopFlusher)

	snap := metering.NewSnapshotter(c.Store, 24*time.Hour, log)
	supervise(g, gctx, func() error { snap.Start(); return nil }, snap.Stop)

	retention := audit.NewRetentionSweeper(c.Store, c.Audit, c.Meter, 24*time.Hour, log)
	supervise(g, gctx, func() error { retention.Start(); return nil }, retention.Stop)

	if cfg.Enrichment.Enabled {
		supervise(g, gctx, func() error { return c.Worker.Start(gctx) }, c.Worker.Stop)

		nightly := worker.NewNightly(c.Store, c.Tables, c.Extract, cfg.Nightly, 0, log)
		supervise(g, gctx, func() error { nightly.Start(); return nil }, nightly.Stop)
	} else {
		log.Warn("enrichment disabled, queued jobs will accumulate")
	}

	if cfg.Decay.Enabled {
		decay := quality.NewDecaySweeper(c.Store, c.Quality, cfg.Decay.Interval,
			cfg.Decay.StaleDays, cfg.Decay.ConfidenceDelta, log)
		supervise(g, gctx, func() error { decay.Start(); return nil }, decay.Stop)
	}

	log.Info("epistemed serving",
		zap.String("version", Version),
		zap.String("env", cfg.Env),
		zap.Bool("enrichment", cfg.Enrichment.Enabled),
		zap.Bool("decay", cfg.Decay.Enabled),
		zap.String("ontology_mode", cfg.Ontology.Mode))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("epistemed stopped")
	return nil
}

// supervise ties a Start/Stop service to the group: the goroutine holds the
// service open until the group context ends, and a failed start cancels the
// whole group.
func supervise(g *errgroup.Group, ctx context.Context, start func() error, stop func()) {
	g.Go(func() error {
		if err := start(); err != nil {
			return err
		}
		<-ctx.Done()
		stop()
		return nil
	})
}
