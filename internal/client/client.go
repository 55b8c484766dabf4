// Package client is the capture-side composition root: a folder source feeds
// the spooling capture agent, which delivers frames to the server inbox.
package client

import (
	"context"
	"fmt"
	"log/slog"

	"caro/config"
	"caro/internal/adapter/sqlite"
	"caro/internal/capture"
	"caro/internal/metrics"
	"caro/internal/transfer"

	"golang.org/x/sync/errgroup"
)

// Run captures from the configured folder and delivers to the inbox until
// ctx is cancelled. Undelivered frames stay in the spool for the next run.
func Run(ctx context.Context, cfg *config.Config) error {
	cc := cfg.Client
	log := slog.With("component", "client")

	store, err := sqlite.OpenSpool(cc.SpoolPath)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close spool", "err", err)
		}
	}()

	sender, err := transfer.NewClient(cfg.InboxEndpoint)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	agent := capture.NewAgent(capture.NewFolderSource(cc.CaptureFolder, 0), store, cc.SpoolCapacity, sender, capture.Config{
		RetryBudget:    cc.SendRetryBudget,
		BackoffInitial: cc.SendBackoffInitial,
		BackoffMax:     cc.SendBackoffMax,
		SendTimeout:    cc.SendTimeout,
	}, capture.WithMetrics(metrics.NewClient(registry.Registerer())))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Run(ctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return registry.ListenAndServe(ctx, cfg.MetricsAddr) })
	}

	log.Info("client started", "folder", cc.CaptureFolder, "inbox", cfg.InboxEndpoint)
	err = g.Wait()

	stats, serr := agent.Stats(context.WithoutCancel(ctx))
	if serr == nil {
		log.Info("client stopped",
			"spooled", stats.Depth,
			"sent", stats.Sent,
			"evicted", stats.Evicted,
			"dead_lettered", stats.DeadLettered)
	}
	return err
}
