package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"harvester/packages/domain"
)

// Postgres caps a statement at 65535 parameters; 6 columns per image row.
const imageInsertChunk = 10_000

const (
	upsertSitemapSQL = `INSERT INTO sitemaps (date, day_map, scrape_dt, size, selection_size, run_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (date, day_map) DO UPDATE SET
    scrape_dt = EXCLUDED.scrape_dt,
    size = EXCLUDED.size,
    selection_size = EXCLUDED.selection_size,
    run_id = EXCLUDED.run_id
RETURNING id`

	lastSitemapSQL = `SELECT id, date, day_map, scrape_dt, size, selection_size, run_id::text
FROM sitemaps ORDER BY date DESC, day_map DESC LIMIT 1`

	claimImagesSQL = `WITH target AS (
    SELECT COALESCE(NULLIF($1::bigint, 0), (SELECT id FROM sitemaps ORDER BY id DESC LIMIT 1)) AS id
), picked AS (
    SELECT i.id FROM images i, target t
    WHERE i.sitemap_id = t.id AND i.status = 'unprocessed'
    ORDER BY random()
    LIMIT $2
    FOR UPDATE OF i SKIP LOCKED
)
UPDATE images SET status = 'processing', claimed_at = now()
FROM picked WHERE images.id = picked.id
RETURNING images.id, images.sitemap_id, images.owner_id, images.photo_id, images.title, images.image_url, images.page_url`

	completeImageSQL = `UPDATE images SET
    status = $2, upload_ts = $3, views = $4, language = $5, error_msg = $6, processed_at = now()
WHERE id = $1`

	resetStalledSQL = `UPDATE images SET status = 'unprocessed', claimed_at = NULL
WHERE status = 'processing' AND claimed_at < now() - $1::interval`

	countImagesSQL = `SELECT count(*), count(*) FILTER (WHERE status = 'unprocessed') FROM images`
)

// SaveSitemapScrape records a retrieved shard and its sampled candidates in one transaction.
// It returns the sitemap id and how many candidates were new; a candidate whose
// (owner, photo id) already exists is skipped.
func (s *Storage) SaveSitemapScrape(ctx context.Context, scrape domain.SitemapScrape, candidates []domain.ImageCandidate) (int64, int, error) {
	defer observe("save_sitemap_scrape")()

	if scrape.ScrapedAt.IsZero() {
		scrape.ScrapedAt = time.Now().UTC()
	}

	var sitemapID int64
	inserted := 0
	err := s.WithTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, upsertSitemapSQL,
			scrape.Date, scrape.DayMap, scrape.ScrapedAt, scrape.Size, scrape.SelectionSize, scrape.RunID,
		).Scan(&sitemapID)
		if err != nil {
			return fmt.Errorf("failed to insert sitemap: %w", err)
		}

		for start := 0; start < len(candidates); start += imageInsertChunk {
			end := min(start+imageInsertChunk, len(candidates))
			n, err := insertImages(ctx, tx, sitemapID, candidates[start:end])
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return sitemapID, inserted, nil
}

func insertImages(ctx context.Context, tx pgx.Tx, sitemapID int64, candidates []domain.ImageCandidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	var sql strings.Builder
	sql.WriteString("INSERT INTO images (sitemap_id, owner_id, photo_id, title, image_url, page_url) VALUES ")
	args := make([]any, 0, len(candidates)*6)
	for i, c := range candidates {
		if i > 0 {
			sql.WriteString(", ")
		}
		p := i * 6
		fmt.Fprintf(&sql, "($%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6)
		args = append(args, sitemapID, c.OwnerID, c.PhotoID, c.Title, c.ImageURL, c.PageURL)
	}
	sql.WriteString(" ON CONFLICT (owner_id, photo_id) DO NOTHING")

	tag, err := tx.Exec(ctx, sql.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to batch insert images: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LastCompletedSitemap returns the latest (date, day_map) recorded, or false on an empty store.
func (s *Storage) LastCompletedSitemap(ctx context.Context) (domain.SitemapScrape, bool, error) {
	defer observe("last_sitemap")()

	var sm domain.SitemapScrape
	err := s.DB.QueryRow(ctx, lastSitemapSQL).Scan(
		&sm.ID, &sm.Date, &sm.DayMap, &sm.ScrapedAt, &sm.Size, &sm.SelectionSize, &sm.RunID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SitemapScrape{}, false, nil
	}
	if err != nil {
		return domain.SitemapScrape{}, false, fmt.Errorf("query last sitemap: %w", err)
	}
	return sm, true, nil
}

// ClaimUnprocessedImages moves up to limit random unprocessed images of a sitemap to
// processing and returns them. sitemapID 0 selects the newest sitemap. Rows locked by a
// concurrent claim are skipped.
func (s *Storage) ClaimUnprocessedImages(ctx context.Context, sitemapID int64, limit int) ([]domain.ImageRecord, error) {
	defer observe("claim_images")()

	rows, err := s.DB.Query(ctx, claimImagesSQL, sitemapID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim images: %w", err)
	}
	defer rows.Close()

	var claimed []domain.ImageRecord
	var rec domain.ImageRecord
	_, err = pgx.ForEachRow(rows, []any{
		&rec.ID, &rec.SitemapID, &rec.OwnerID, &rec.PhotoID, &rec.Title, &rec.ImageURL, &rec.PageURL,
	}, func() error {
		claimed = append(claimed, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate claimed images: %w", err)
	}
	return claimed, nil
}

// CompleteImage stores the enrichment outcome of an image.
func (s *Storage) CompleteImage(ctx context.Context, img domain.EnrichedImage) error {
	defer observe("complete_image")()

	var uploaded *time.Time
	var views *int64
	if img.Availability == domain.AvailabilityAvailable {
		uploaded, views = &img.Uploaded, &img.Views
	}

	_, err := s.DB.Exec(ctx, completeImageSQL,
		img.ID, string(img.Availability.Status()), uploaded, views, nullable(img.Language), nullable(img.ErrorMsg),
	)
	if err != nil {
		return fmt.Errorf("failed to complete image %d: %w", img.ID, err)
	}
	return nil
}

func (s *Storage) ResetStalledImages(ctx context.Context, olderThan time.Duration) (int64, error) {
	defer observe("reset_stalled_images")()

	interval := pgtype.Interval{
		Microseconds: olderThan.Microseconds(),
		Valid:        true,
	}
	tag, err := s.DB.Exec(ctx, resetStalledSQL, interval)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stalled images: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountImages returns the total number of images and how many are unprocessed.
func (s *Storage) CountImages(ctx context.Context) (total, unprocessed int64, err error) {
	defer observe("count_images")()

	if err := s.DB.QueryRow(ctx, countImagesSQL).Scan(&total, &unprocessed); err != nil {
		return 0, 0, fmt.Errorf("failed to count images: %w", err)
	}
	return total, unprocessed, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
