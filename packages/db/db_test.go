package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/packages/db"
	"harvester/packages/domain"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *db.Storage) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, db.NewWithPool(mock)
}

func TestGetOrCreateTagReportsCreation(t *testing.T) {
	mock, store := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`(?s)INSERT INTO tags .* ON CONFLICT \(normalized\) DO UPDATE .* RETURNING id, \(xmax = 0\)`).
		WithArgs("lion").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created"}).AddRow(int64(7), true))
	mock.ExpectQuery(`INSERT INTO tags`).
		WithArgs("lion").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created"}).AddRow(int64(7), false))

	id, created, err := store.GetOrCreateTag(ctx, "lion")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.True(t, created)

	id, created, err = store.GetOrCreateTag(ctx, "lion")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.False(t, created)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateGroupKeysOnRemoteID(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectQuery(`(?s)INSERT INTO groups .* ON CONFLICT \(remote_id\)`).
		WithArgs("34427469792@N01", "FlickrCentral").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created"}).AddRow(int64(3), true))

	id, created, err := store.GetOrCreateGroup(context.Background(), domain.Group{RemoteID: "34427469792@N01", Title: "FlickrCentral"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinksAndVariantsIgnoreDuplicates(t *testing.T) {
	mock, store := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`(?s)INSERT INTO image_tags .* ON CONFLICT DO NOTHING`).
		WithArgs(int64(7), int64(100)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO image_tags`).
		WithArgs(int64(7), int64(100)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`(?s)INSERT INTO image_groups .* ON CONFLICT DO NOTHING`).
		WithArgs(int64(3), int64(100)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`(?s)INSERT INTO tag_variants .* ON CONFLICT \(tag_id, variant_key\) DO NOTHING`).
		WithArgs(int64(7), "Lion", "lion").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	linked, err := store.LinkTag(ctx, 7, 100)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = store.LinkTag(ctx, 7, 100)
	require.NoError(t, err)
	assert.False(t, linked)

	linked, err = store.LinkGroup(ctx, 3, 100)
	require.NoError(t, err)
	assert.True(t, linked)

	added, err := store.AddTagVariant(ctx, domain.TagVariant{TagID: 7, Raw: "Lion", Key: "lion"})
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSitemapScrapeWritesOneTransaction(t *testing.T) {
	mock, store := newMock(t)

	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	scrapedAt := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	scrape := domain.SitemapScrape{Date: day, DayMap: 4, ScrapedAt: scrapedAt, Size: 1000, SelectionSize: 2, RunID: "5f1c2b1e-8d0a-4c43-9b7e-0f8a3c2d1e00"}
	candidates := []domain.ImageCandidate{
		{OwnerID: "alice", PhotoID: "1", Title: "one", ImageURL: "https://img.test/1.jpg", PageURL: "https://www.flickr.com/photos/alice/1/"},
		{OwnerID: "bob", PhotoID: "2", ImageURL: "https://img.test/2.jpg", PageURL: "https://www.flickr.com/photos/bob/2/"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO sitemaps`).
		WithArgs(day, 4, scrapedAt, 1000, 2, scrape.RunID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec(`(?s)INSERT INTO images .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\), \(\$7, .* ON CONFLICT \(owner_id, photo_id\) DO NOTHING`).
		WithArgs(
			int64(11), "alice", "1", "one", "https://img.test/1.jpg", "https://www.flickr.com/photos/alice/1/",
			int64(11), "bob", "2", "", "https://img.test/2.jpg", "https://www.flickr.com/photos/bob/2/",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, inserted, err := store.SaveSitemapScrape(context.Background(), scrape, candidates)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.Equal(t, 1, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSitemapScrapeRollsBackOnFailure(t *testing.T) {
	mock, store := newMock(t)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO sitemaps`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO images`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)
	mock.ExpectRollback()

	_, _, err := store.SaveSitemapScrape(context.Background(),
		domain.SitemapScrape{Date: time.Now(), RunID: "r"},
		[]domain.ImageCandidate{{OwnerID: "a", PhotoID: "1"}},
	)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastCompletedSitemap(t *testing.T) {
	mock, store := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`(?s)SELECT .* FROM sitemaps ORDER BY date DESC, day_map DESC LIMIT 1`).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.LastCompletedSitemap(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM sitemaps`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "date", "day_map", "scrape_dt", "size", "selection_size", "run_id"}).
			AddRow(int64(5), day, 17, day, 900, 9, "run-1"))

	sm, ok, err := store.LastCompletedSitemap(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), sm.ID)
	assert.Equal(t, 17, sm.DayMap)
	assert.Equal(t, day, sm.Date)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimUnprocessedImagesSkipsLockedRows(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectQuery(`FOR UPDATE OF i SKIP LOCKED`).
		WithArgs(int64(0), 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "sitemap_id", "owner_id", "photo_id", "title", "image_url", "page_url"}).
			AddRow(int64(1), int64(9), "alice", "10", "t1", "https://img.test/10.jpg", "https://www.flickr.com/photos/alice/10/").
			AddRow(int64(2), int64(9), "bob", "20", "", "https://img.test/20.jpg", "https://www.flickr.com/photos/bob/20/"))

	claimed, err := store.ClaimUnprocessedImages(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "alice", claimed[0].OwnerID)
	assert.Equal(t, "20", claimed[1].PhotoID)
	assert.Equal(t, int64(9), claimed[1].SitemapID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteImage(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectExec(`UPDATE images SET`).
		WithArgs(int64(4), "gone", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.CompleteImage(context.Background(), domain.EnrichedImage{
		ImageRecord:  domain.ImageRecord{ID: 4},
		Availability: domain.AvailabilityGone,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStalledImages(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectExec(`UPDATE images SET status = 'unprocessed'`).
		WithArgs(pgtype.Interval{Microseconds: (30 * time.Minute).Microseconds(), Valid: true}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.ResetStalledImages(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
