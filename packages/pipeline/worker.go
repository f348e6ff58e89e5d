package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/sync/errgroup"

	"harvester/packages/domain"
	"harvester/packages/metrics"
	"harvester/packages/resolver"
)

// ImageStore holds the image records. Canonical rows go through the resolver's own store.
type ImageStore interface {
	ClaimUnprocessedImages(ctx context.Context, sitemapID int64, limit int) ([]domain.ImageRecord, error)
	CompleteImage(ctx context.Context, img domain.EnrichedImage) error
}

type Enricher interface {
	Enrich(ctx context.Context, rec domain.ImageRecord) (domain.EnrichedImage, error)
}

type Downloader interface {
	Download(ctx context.Context, img domain.EnrichedImage) (string, error)
}

type WorkerConfig struct {
	BatchSize  int
	MaxWorkers int
	// SitemapID restricts claims to one sitemap; 0 means the newest.
	SitemapID int64
}

// BatchSummary counts the outcomes of one batch.
type BatchSummary struct {
	Claimed  int
	Outcomes map[domain.Availability]int
	Resolved resolver.Result
}

type Worker struct {
	cfg        WorkerConfig
	store      ImageStore
	enricher   Enricher
	resolver   *resolver.Resolver
	downloader Downloader
}

// NewWorker builds a worker; downloader may be nil.
func NewWorker(cfg WorkerConfig, store ImageStore, enricher Enricher, res *resolver.Resolver, downloader Downloader) *Worker {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &Worker{
		cfg:        cfg,
		store:      store,
		enricher:   enricher,
		resolver:   res,
		downloader: downloader,
	}
}

// ProcessBatch claims a batch of unprocessed images and enriches them concurrently. A failing
// image is recorded with status error and never aborts the rest of the batch.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchSummary, error) {
	summary := BatchSummary{Outcomes: make(map[domain.Availability]int)}

	images, err := w.store.ClaimUnprocessedImages(ctx, w.cfg.SitemapID, w.cfg.BatchSize)
	if err != nil {
		return summary, err
	}
	summary.Claimed = len(images)
	if len(images) == 0 {
		return summary, nil
	}
	slog.Info("Claimed images", "count", len(images))

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxWorkers)

	for _, rec := range images {
		currentImage := rec
		g.Go(func() error {
			avail, res, ok := w.processImage(gCtx, currentImage)
			if !ok {
				return nil
			}
			mu.Lock()
			summary.Outcomes[avail]++
			summary.Resolved.Add(res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	slog.Info("Finished processing batch", "count", len(images), "outcomes", summary.Outcomes)
	return summary, ctx.Err()
}

// processImage returns false when the image was left claimed because ctx ended.
func (w *Worker) processImage(ctx context.Context, rec domain.ImageRecord) (domain.Availability, resolver.Result, bool) {
	logger := slog.With("image_id", rec.ID, "photo_id", rec.PhotoID)
	var res resolver.Result

	img, err := w.enricher.Enrich(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return "", res, false
		}
		logger.Error("Enrichment failed", "error", err)
		img.ImageRecord = rec
		img.Availability = domain.AvailabilityError
		img.ErrorMsg = err.Error()
	}

	if img.Availability == domain.AvailabilityAvailable {
		img.Language = DetectLanguage(img.Title)

		res, err = w.resolver.Resolve(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return "", res, false
			}
			logger.Error("Tag and group resolution failed", "error", err)
			img.Availability = domain.AvailabilityError
			img.ErrorMsg = err.Error()
		}
	}

	if img.Availability == domain.AvailabilityAvailable && w.downloader != nil {
		if path, err := w.downloader.Download(ctx, img); err != nil {
			logger.Warn("Download failed", "url", img.ImageURL, "error", err)
		} else {
			logger.Debug("Image stored", "path", path)
		}
	}

	if err := w.store.CompleteImage(ctx, img); err != nil {
		logger.Error("Failed to record image outcome", "error", err)
		return "", res, false
	}
	metrics.EnrichmentOutcomes.WithLabelValues(string(img.Availability)).Inc()
	return img.Availability, res, true
}

// DetectLanguage returns the ISO 639-3 code of a title, or "" when the detection is not
// reliable.
func DetectLanguage(title string) string {
	if title == "" {
		return ""
	}
	info := whatlanggo.Detect(title)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6393()
}
