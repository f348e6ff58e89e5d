package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/packages/domain"
	"harvester/packages/memstore"
	"harvester/packages/metrics"
)

func TestRefreshCountsSetsGauges(t *testing.T) {
	store := memstore.New()
	_, _, err := store.SaveSitemapScrape(context.Background(), domain.SitemapScrape{DayMap: 1}, []domain.ImageCandidate{
		{OwnerID: "a", PhotoID: "1"}, {OwnerID: "b", PhotoID: "2"}, {OwnerID: "c", PhotoID: "3"},
	})
	require.NoError(t, err)
	_, err = store.ClaimUnprocessedImages(context.Background(), 0, 1)
	require.NoError(t, err)

	require.NoError(t, refreshCounts(context.Background(), store))
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.TotalImages), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.UnprocessedImages), 0)
}

func TestResetStalledReturnsImagesToPool(t *testing.T) {
	store := memstore.New()
	_, _, err := store.SaveSitemapScrape(context.Background(), domain.SitemapScrape{DayMap: 1}, []domain.ImageCandidate{
		{OwnerID: "a", PhotoID: "1"}, {OwnerID: "b", PhotoID: "2"},
	})
	require.NoError(t, err)
	_, err = store.ClaimUnprocessedImages(context.Background(), 0, 2)
	require.NoError(t, err)

	require.NoError(t, resetStalled(context.Background(), store, time.Hour))
	_, unprocessed, _ := store.CountImages(context.Background())
	assert.Zero(t, unprocessed)

	require.NoError(t, resetStalled(context.Background(), store, -time.Second))
	_, unprocessed, _ = store.CountImages(context.Background())
	assert.Equal(t, int64(2), unprocessed)
}
