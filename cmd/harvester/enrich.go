package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"harvester/packages/cache"
	"harvester/packages/db"
	"harvester/packages/download"
	"harvester/packages/enricher"
	"harvester/packages/metrics"
	"harvester/packages/pipeline"
	"harvester/packages/resolver"
	"harvester/packages/retry"
)

var (
	enrichSitemapID int64
	enrichOnce      bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich stored images with metadata, tags and groups",
	Long: `Claims batches of unprocessed images, looks up their metadata and group pools,
and links them to canonical tags and groups. Runs until interrupted unless --once is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.RequireDatabase(); err != nil {
			return err
		}
		if err := cfg.RequireAPIKey(); err != nil {
			return err
		}

		storage, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer storage.Close()

		var canonical resolver.Store = storage
		if cfg.RedisURL != "" {
			rdb, err := cache.Connect(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()
			canonical = cache.New(storage, rdb, cfg.CacheTTL)
		}

		f := newFetcher(cfg)
		client, err := enricher.NewClient(f, enricher.Config{
			APIKey:    cfg.APIKey,
			Endpoint:  cfg.APIEndpoint,
			RateLimit: cfg.APIRateLimit,
			Burst:     cfg.APIRateBurst,
			Cooldown:  retry.Policy{Backoff: retry.Constant(cfg.UnavailableCooldown)},
		})
		if err != nil {
			return err
		}

		var dl pipeline.Downloader
		if cfg.DownloadDir != "" {
			var tagger download.Tagger
			if cfg.WriteExif {
				et, err := download.NewExifTagger()
				if err != nil {
					return err
				}
				defer et.Close()
				tagger = et
			}
			dl = download.New(f, download.Config{
				BaseDir:  cfg.DownloadDir,
				Segments: cfg.DownloadShardSegments,
				Width:    cfg.DownloadShardWidth,
			}, tagger)
		}

		w := pipeline.NewWorker(pipeline.WorkerConfig{
			BatchSize:  cfg.BatchSize,
			MaxWorkers: cfg.MaxWorkers,
			SitemapID:  enrichSitemapID,
		}, storage, enricher.New(client), resolver.New(canonical), dl)

		go metrics.ExposeMetrics(cfg.MetricsAddr)
		slog.Info("--- Starting enrichment worker ---", "batch_size", cfg.BatchSize, "max_workers", cfg.MaxWorkers)

		if enrichOnce {
			_, err := w.ProcessBatch(ctx)
			return err
		}

		ticker := time.NewTicker(cfg.SleepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("Shutdown signal received. Exiting...")
				return nil
			case <-ticker.C:
				if _, err := w.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
					slog.Error("Batch failed", "error", err)
				}
			}
		}
	},
}

func init() {
	enrichCmd.Flags().Int64Var(&enrichSitemapID, "sitemap-id", 0, "only claim images of this sitemap (0 = newest)")
	enrichCmd.Flags().BoolVar(&enrichOnce, "once", false, "process a single batch and exit")
}
