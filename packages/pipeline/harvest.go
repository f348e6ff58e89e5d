// Package pipeline wires the components into the two jobs the system runs: harvesting sitemap
// shards into image records, and enriching claimed records in a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"harvester/packages/domain"
	"harvester/packages/sitemap"
)

type ScrapeStore interface {
	SaveSitemapScrape(ctx context.Context, scrape domain.SitemapScrape, candidates []domain.ImageCandidate) (int64, int, error)
	LastCompletedSitemap(ctx context.Context) (domain.SitemapScrape, bool, error)
}

type Walker interface {
	Walk(ctx context.Context, date time.Time, start int, visit sitemap.VisitFunc) (int, error)
}

type HarvestConfig struct {
	SampleFraction float64
	// FirstIndex is the shard a fresh date starts at.
	FirstIndex int
	// Rand drives sampling; nil uses the global source.
	Rand *rand.Rand
	// DryRun extracts and samples without writing.
	DryRun bool
}

// DateSummary reports one harvested date.
type DateSummary struct {
	Date       time.Time
	Shards     int
	Skipped    int
	Candidates int
	Sampled    int
	Inserted   int
	Malformed  int
}

type Harvester struct {
	walker Walker
	store  ScrapeStore
	cfg    HarvestConfig
	runID  string
}

func NewHarvester(walker Walker, store ScrapeStore, cfg HarvestConfig) *Harvester {
	if cfg.FirstIndex < 1 {
		cfg.FirstIndex = 1
	}
	return &Harvester{walker: walker, store: store, cfg: cfg, runID: uuid.NewString()}
}

func (h *Harvester) RunID() string { return h.runID }

// HarvestDate walks a date's shards from index start, sampling and storing each one. A shard
// that fails to parse is logged and skipped; a storage failure stops the walk.
func (h *Harvester) HarvestDate(ctx context.Context, date time.Time, start int) (DateSummary, error) {
	summary := DateSummary{Date: date}
	logger := slog.With("run_id", h.runID, "date", date.Format(time.DateOnly))

	visit := func(ctx context.Context, shard sitemap.Shard) error {
		ex, err := sitemap.Extract(shard.Payload, h.cfg.SampleFraction, h.cfg.Rand)
		if err != nil {
			summary.Skipped++
			logger.Error("Failed to extract shard", "shard", shard.Index, "url", shard.URL, "error", err)
			return nil
		}
		summary.Candidates += ex.Total
		summary.Sampled += len(ex.Sampled)
		summary.Malformed += len(ex.Malformed)
		if len(ex.Malformed) > 0 {
			logger.Warn("Dropped malformed page urls", "shard", shard.Index, "count", len(ex.Malformed), "first", ex.Malformed[0])
		}

		if h.cfg.DryRun {
			logger.Info("Shard sampled (dry run)", "shard", shard.Index, "total", ex.Total, "sampled", len(ex.Sampled))
			return nil
		}

		scrape := domain.SitemapScrape{
			Date:          date,
			DayMap:        shard.Index,
			ScrapedAt:     time.Now().UTC(),
			Size:          ex.Total,
			SelectionSize: len(ex.Sampled),
			RunID:         h.runID,
		}
		sitemapID, inserted, err := h.store.SaveSitemapScrape(ctx, scrape, ex.Sampled)
		if err != nil {
			return fmt.Errorf("save shard %d: %w", shard.Index, err)
		}
		summary.Inserted += inserted
		logger.Info("Shard harvested",
			"shard", shard.Index, "sitemap_id", sitemapID,
			"total", ex.Total, "sampled", len(ex.Sampled), "inserted", inserted,
		)
		return nil
	}

	n, err := h.walker.Walk(ctx, date, start, visit)
	summary.Shards = n
	if err != nil {
		return summary, fmt.Errorf("harvest %s: %w", date.Format(time.DateOnly), err)
	}
	logger.Info("Date harvested", "shards", n, "candidates", summary.Candidates, "inserted", summary.Inserted)
	return summary, nil
}

// HarvestRange harvests every date in [from, until], the first one from shard start.
func (h *Harvester) HarvestRange(ctx context.Context, from, until time.Time, start int) ([]DateSummary, error) {
	var summaries []DateSummary
	for date := truncateDay(from); !date.After(truncateDay(until)); date = date.AddDate(0, 0, 1) {
		summary, err := h.HarvestDate(ctx, date, start)
		summaries = append(summaries, summary)
		if err != nil {
			var statusErr *sitemap.UnexpectedStatusError
			if errors.As(err, &statusErr) {
				slog.Error("Abandoning date", "run_id", h.runID, "error", err)
				start = h.cfg.FirstIndex
				continue
			}
			return summaries, err
		}
		start = h.cfg.FirstIndex
	}
	return summaries, nil
}

// Resume continues after the last stored shard and harvests every following date through
// until. from is only used when nothing is stored yet.
func (h *Harvester) Resume(ctx context.Context, from, until time.Time) ([]DateSummary, error) {
	last, ok, err := h.store.LastCompletedSitemap(ctx)
	if err != nil {
		return nil, err
	}

	start := h.cfg.FirstIndex
	if ok {
		from = last.Date
		start = last.DayMap + 1
		slog.Info("Resuming harvest", "run_id", h.runID, "date", from.Format(time.DateOnly), "shard", start)
	}
	if truncateDay(until).Before(truncateDay(from)) {
		until = from
	}
	return h.HarvestRange(ctx, from, until, start)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
