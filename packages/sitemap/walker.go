// Package sitemap walks the numbered daily photo sitemaps and turns each shard into a
// sample of image candidates.
package sitemap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"harvester/packages/fetcher"
	"harvester/packages/metrics"
	"harvester/packages/retry"
)

// IndexWidth is the zero-padded width of the shard number in shard URLs.
const IndexWidth = 8

const maxIndex = 99_999_999

// Fetcher is satisfied by *fetcher.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Response, error)
}

type Config struct {
	BaseURL    string
	DateLayout string
	// Throttle paces re-requests of a shard answered with 429.
	Throttle retry.Policy
}

type Shard struct {
	Date    time.Time
	Index   int
	URL     string
	Payload []byte
}

// VisitFunc handles one retrieved shard. The next shard is not requested until it returns.
type VisitFunc func(ctx context.Context, shard Shard) error

// UnexpectedStatusError aborts the walk for a date.
type UnexpectedStatusError struct {
	Date       string
	Index      int
	StatusCode int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("sitemap %s shard %d: unexpected status %d", e.Date, e.Index, e.StatusCode)
}

type Walker struct {
	fetcher Fetcher
	cfg     Config
}

func NewWalker(f Fetcher, cfg Config) *Walker {
	if cfg.DateLayout == "" {
		cfg.DateLayout = "2006/01/02"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Walker{fetcher: f, cfg: cfg}
}

// PadIndex renders n with leading zeros to IndexWidth characters.
func PadIndex(n int) string {
	return fmt.Sprintf("%0*d", IndexWidth, n)
}

func (w *Walker) ShardURL(date time.Time, index int) (string, error) {
	if index < 0 || index > maxIndex {
		return "", fmt.Errorf("shard index %d out of range", index)
	}
	return fmt.Sprintf("%s/%s/photos/sitemap-photos-%s.xml.gz",
		w.cfg.BaseURL, date.Format(w.cfg.DateLayout), PadIndex(index)), nil
}

// Walk requests shards start, start+1, ... for date and hands each one to visit, stopping at
// the first 403. It returns the number of shards retrieved; the terminating shard is not
// counted.
func (w *Walker) Walk(ctx context.Context, date time.Time, start int, visit VisitFunc) (int, error) {
	day := date.Format(w.cfg.DateLayout)
	retrieved := 0
	throttled := 0

	for index := start; ; {
		shardURL, err := w.ShardURL(date, index)
		if err != nil {
			return retrieved, err
		}

		resp, err := w.fetcher.Fetch(ctx, shardURL)
		if err != nil {
			return retrieved, fmt.Errorf("fetch shard %d: %w", index, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			throttled = 0
			metrics.ShardsFetched.Inc()
			slog.Debug("Retrieved sitemap shard", "date", day, "shard", index, "bytes", len(resp.Body))

			shard := Shard{Date: date, Index: index, URL: shardURL, Payload: resp.Body}
			if err := visit(ctx, shard); err != nil {
				return retrieved, fmt.Errorf("process shard %d: %w", index, err)
			}
			retrieved++
			index++
		case http.StatusForbidden:
			slog.Info("Reached end of sitemap shards", "date", day, "shards", retrieved, "last_index", index-1)
			return retrieved, nil
		case http.StatusTooManyRequests:
			throttled++
			slog.Warn("Sitemap shard throttled", "date", day, "shard", index, "attempt", throttled)
			if err := w.cfg.Throttle.Wait(ctx, throttled); err != nil {
				return retrieved, fmt.Errorf("shard %d throttled: %w", index, err)
			}
		default:
			return retrieved, &UnexpectedStatusError{Date: day, Index: index, StatusCode: resp.StatusCode}
		}
	}
}
