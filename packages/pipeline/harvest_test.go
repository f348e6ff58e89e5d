package pipeline_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/packages/domain"
	"harvester/packages/fetcher"
	"harvester/packages/memstore"
	"harvester/packages/pipeline"
	"harvester/packages/sitemap"
)

var day = time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC)

func shardXML(offset, n int) string {
	var b strings.Builder
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9" xmlns:image="http://www.google.com/schemas/sitemap-image/1.1">`)
	for i := offset; i < offset+n; i++ {
		fmt.Fprintf(&b, `<url><loc>https://www.flickr.com/photos/owner%d/%d/</loc><image:image><image:loc>https://live.staticflickr.com/1/%d_x_b.jpg</image:loc><image:title>t%d</image:title></image:image></url>`, i, 1000+i, 1000+i, i)
	}
	b.WriteString(`</urlset>`)
	return b.String()
}

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// sitemapServer serves the given shard bodies for one date and 403 beyond them.
func sitemapServer(t *testing.T, shards map[int][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for idx, body := range shards {
			if strings.HasSuffix(r.URL.Path, "/sitemap-photos-"+sitemap.PadIndex(idx)+".xml.gz") {
				_, _ = w.Write(body)
				return
			}
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHarvestDateStoresSampledShards(t *testing.T) {
	srv := sitemapServer(t, map[int][]byte{
		1: gz(t, shardXML(0, 40)),
		2: gz(t, shardXML(40, 40)),
	})
	walker := sitemap.NewWalker(fetcher.NewWithClient(srv.Client(), fetcher.Config{}), sitemap.Config{BaseURL: srv.URL + "/sitemap"})
	store := memstore.New()
	h := pipeline.NewHarvester(walker, store, pipeline.HarvestConfig{SampleFraction: 0.25, Rand: rand.New(rand.NewPCG(3, 4))})

	summary, err := h.HarvestDate(context.Background(), day, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Shards)
	assert.Equal(t, 80, summary.Candidates)
	assert.Equal(t, 20, summary.Sampled)
	assert.Equal(t, 20, summary.Inserted)
	assert.Equal(t, 2, store.Stats().Sitemaps)
	assert.Equal(t, 20, store.Stats().Images)

	last, ok, err := store.LastCompletedSitemap(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, last.DayMap)
	assert.Equal(t, 40, last.Size)
	assert.Equal(t, 10, last.SelectionSize)
	assert.Equal(t, h.RunID(), last.RunID)
}

func TestHarvestDateSkipsUnparseableShard(t *testing.T) {
	srv := sitemapServer(t, map[int][]byte{
		1: []byte("<html>maintenance</html>"),
		2: gz(t, shardXML(0, 10)),
	})
	walker := sitemap.NewWalker(fetcher.NewWithClient(srv.Client(), fetcher.Config{}), sitemap.Config{BaseURL: srv.URL})
	store := memstore.New()
	h := pipeline.NewHarvester(walker, store, pipeline.HarvestConfig{SampleFraction: 1})

	summary, err := h.HarvestDate(context.Background(), day, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Shards)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 10, store.Stats().Images)
}

func TestDryRunWritesNothing(t *testing.T) {
	srv := sitemapServer(t, map[int][]byte{1: gz(t, shardXML(0, 10))})
	walker := sitemap.NewWalker(fetcher.NewWithClient(srv.Client(), fetcher.Config{}), sitemap.Config{BaseURL: srv.URL})
	store := memstore.New()
	h := pipeline.NewHarvester(walker, store, pipeline.HarvestConfig{SampleFraction: 0.5, DryRun: true})

	summary, err := h.HarvestDate(context.Background(), day, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Sampled)
	assert.Zero(t, store.Stats().Sitemaps)
}

type walkCall struct {
	date  time.Time
	start int
}

type fakeWalker struct {
	calls []walkCall
	fail  map[time.Time]error
}

func (f *fakeWalker) Walk(_ context.Context, date time.Time, start int, _ sitemap.VisitFunc) (int, error) {
	f.calls = append(f.calls, walkCall{date: date, start: start})
	return 0, f.fail[date]
}

func TestResumeContinuesAfterLastShard(t *testing.T) {
	store := memstore.New()
	_, _, err := store.SaveSitemapScrape(context.Background(), domain.SitemapScrape{Date: day, DayMap: 3}, nil)
	require.NoError(t, err)

	walker := &fakeWalker{}
	h := pipeline.NewHarvester(walker, store, pipeline.HarvestConfig{SampleFraction: 0.1})

	_, err = h.Resume(context.Background(), day.AddDate(0, 0, -5), day.AddDate(0, 0, 2))
	require.NoError(t, err)

	assert.Equal(t, []walkCall{
		{date: day, start: 4},
		{date: day.AddDate(0, 0, 1), start: 1},
		{date: day.AddDate(0, 0, 2), start: 1},
	}, walker.calls)
}

func TestResumeCatchesUpDatesBeforeFrom(t *testing.T) {
	store := memstore.New()
	_, _, err := store.SaveSitemapScrape(context.Background(), domain.SitemapScrape{Date: day, DayMap: 3}, nil)
	require.NoError(t, err)

	walker := &fakeWalker{}
	h := pipeline.NewHarvester(walker, store, pipeline.HarvestConfig{SampleFraction: 0.1})

	later := day.AddDate(0, 0, 3)
	_, err = h.Resume(context.Background(), later, later)
	require.NoError(t, err)

	assert.Equal(t, []walkCall{
		{date: day, start: 4},
		{date: day.AddDate(0, 0, 1), start: 1},
		{date: day.AddDate(0, 0, 2), start: 1},
		{date: later, start: 1},
	}, walker.calls)
}

func TestResumeOnEmptyStoreStartsAtFrom(t *testing.T) {
	walker := &fakeWalker{}
	h := pipeline.NewHarvester(walker, memstore.New(), pipeline.HarvestConfig{SampleFraction: 0.1})

	_, err := h.Resume(context.Background(), day, day)
	require.NoError(t, err)
	assert.Equal(t, []walkCall{{date: day, start: 1}}, walker.calls)
}

func TestHarvestRangeAbandonsDateOnUnexpectedStatus(t *testing.T) {
	walker := &fakeWalker{fail: map[time.Time]error{
		day: &sitemap.UnexpectedStatusError{Date: day.Format("2006/01/02"), Index: 2, StatusCode: 404},
	}}
	h := pipeline.NewHarvester(walker, memstore.New(), pipeline.HarvestConfig{SampleFraction: 0.1})

	summaries, err := h.HarvestRange(context.Background(), day, day.AddDate(0, 0, 1), 1)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
	assert.Len(t, walker.calls, 2)
}

func TestHarvestRangeStopsOnOtherErrors(t *testing.T) {
	walker := &fakeWalker{fail: map[time.Time]error{day: context.Canceled}}
	h := pipeline.NewHarvester(walker, memstore.New(), pipeline.HarvestConfig{SampleFraction: 0.1})

	_, err := h.HarvestRange(context.Background(), day, day.AddDate(0, 0, 3), 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, walker.calls, 1)
}
