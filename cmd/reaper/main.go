package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"harvester/packages/config"
	"harvester/packages/db"
	"harvester/packages/logging"
	"harvester/packages/metrics"
)

type maintenanceStore interface {
	ResetStalledImages(ctx context.Context, olderThan time.Duration) (int64, error)
	CountImages(ctx context.Context) (total, unprocessed int64, err error)
}

func refreshCounts(ctx context.Context, store maintenanceStore) error {
	total, unprocessed, err := store.CountImages(ctx)
	if err != nil {
		return err
	}
	metrics.TotalImages.Set(float64(total))
	metrics.UnprocessedImages.Set(float64(unprocessed))
	return nil
}

func resetStalled(ctx context.Context, store maintenanceStore, timeout time.Duration) error {
	n, err := store.ResetStalledImages(ctx, timeout)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Reset stalled images", "count", n, "older_than", timeout.String())
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("FATAL: Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogFile, cfg.LogLevel, "harvester-reaper")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("--- Starting harvester reaper ---")

	if err := cfg.RequireDatabase(); err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	go metrics.ExposeMetrics(cfg.MetricsAddr)

	storage, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	countTicker := time.NewTicker(10 * time.Second)
	defer countTicker.Stop()

	stalledTicker := time.NewTicker(cfg.ReaperInterval)
	defer stalledTicker.Stop()

	slog.Info("Reaper tasks scheduled",
		"image_counts_refresh", "10s",
		"stalled_image_reset", cfg.ReaperInterval.String(),
		"stalled_timeout", cfg.StalledTimeout.String(),
	)

	if err := resetStalled(ctx, storage, cfg.StalledTimeout); err != nil {
		slog.Error("Failed to reset stalled images", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutdown signal received. Exiting...")
			return
		case <-countTicker.C:
			if err := refreshCounts(ctx, storage); err != nil {
				slog.Error("Failed to refresh image counts", "error", err)
			}
		case <-stalledTicker.C:
			if err := resetStalled(ctx, storage, cfg.StalledTimeout); err != nil {
				slog.Error("Failed to reset stalled images", "error", err)
			}
		}
	}
}
