// Package memstore is an in-process record store with the same contract as the Postgres
// storage. It backs dry runs and tests; a single mutex makes every get-or-create atomic.
package memstore

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"harvester/packages/domain"
)

type imageRow struct {
	record    domain.ImageRecord
	status    domain.ImageStatus
	enriched  domain.EnrichedImage
	claimedAt time.Time
}

type variantKey struct {
	tagID int64
	key   string
}

type Store struct {
	mu sync.Mutex

	lastID int64

	sitemaps  []domain.SitemapScrape
	images    map[int64]*imageRow
	imageKeys map[[2]string]int64

	tags       map[string]int64
	groups     map[string]int64
	groupRows  map[int64]domain.Group
	variants   map[variantKey]string
	tagLinks   map[[2]int64]struct{}
	groupLinks map[[2]int64]struct{}

	now func() time.Time
}

func New() *Store {
	return &Store{
		images:     make(map[int64]*imageRow),
		imageKeys:  make(map[[2]string]int64),
		tags:       make(map[string]int64),
		groups:     make(map[string]int64),
		groupRows:  make(map[int64]domain.Group),
		variants:   make(map[variantKey]string),
		tagLinks:   make(map[[2]int64]struct{}),
		groupLinks: make(map[[2]int64]struct{}),
		now:        time.Now,
	}
}

func (s *Store) nextID() int64 {
	s.lastID++
	return s.lastID
}

func (s *Store) GetOrCreateTag(_ context.Context, normalized string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tags[normalized]; ok {
		return id, false, nil
	}
	id := s.nextID()
	s.tags[normalized] = id
	return id, true, nil
}

func (s *Store) GetOrCreateGroup(_ context.Context, group domain.Group) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.groups[group.RemoteID]; ok {
		return id, false, nil
	}
	id := s.nextID()
	s.groups[group.RemoteID] = id
	s.groupRows[id] = group
	return id, true, nil
}

func (s *Store) LinkTag(_ context.Context, tagID, imageID int64) (bool, error) {
	return s.link(s.tagLinks, tagID, imageID), nil
}

func (s *Store) LinkGroup(_ context.Context, groupID, imageID int64) (bool, error) {
	return s.link(s.groupLinks, groupID, imageID), nil
}

func (s *Store) link(links map[[2]int64]struct{}, canonicalID, imageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := [2]int64{canonicalID, imageID}
	if _, ok := links[k]; ok {
		return false
	}
	links[k] = struct{}{}
	return true
}

func (s *Store) AddTagVariant(_ context.Context, v domain.TagVariant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := variantKey{tagID: v.TagID, key: v.Key}
	if _, ok := s.variants[k]; ok {
		return false, nil
	}
	s.variants[k] = v.Raw
	return true, nil
}

func (s *Store) LastCompletedSitemap(_ context.Context) (domain.SitemapScrape, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sitemaps) == 0 {
		return domain.SitemapScrape{}, false, nil
	}
	return s.sitemaps[len(s.sitemaps)-1], true, nil
}

// SaveSitemapScrape stores the scrape and its candidates; candidates already known by
// (owner, photo id) are skipped.
func (s *Store) SaveSitemapScrape(_ context.Context, scrape domain.SitemapScrape, candidates []domain.ImageCandidate) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scrape.ID = s.nextID()
	if scrape.ScrapedAt.IsZero() {
		scrape.ScrapedAt = s.now()
	}
	s.sitemaps = append(s.sitemaps, scrape)

	inserted := 0
	for _, c := range candidates {
		k := [2]string{c.OwnerID, c.PhotoID}
		if _, dup := s.imageKeys[k]; dup {
			continue
		}
		id := s.nextID()
		s.imageKeys[k] = id
		s.images[id] = &imageRow{
			record: domain.ImageRecord{ID: id, SitemapID: scrape.ID, ImageCandidate: c},
			status: domain.Unprocessed,
		}
		inserted++
	}
	return scrape.ID, inserted, nil
}

// ClaimUnprocessedImages picks up to limit random unprocessed images of a sitemap (the newest
// one when sitemapID is 0) and marks them processing.
func (s *Store) ClaimUnprocessedImages(_ context.Context, sitemapID int64, limit int) ([]domain.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sitemapID == 0 {
		if len(s.sitemaps) == 0 {
			return nil, nil
		}
		sitemapID = s.sitemaps[len(s.sitemaps)-1].ID
	}

	var pool []*imageRow
	for _, row := range s.images {
		if row.record.SitemapID == sitemapID && row.status == domain.Unprocessed {
			pool = append(pool, row)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].record.ID < pool[j].record.ID })
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	if len(pool) > limit {
		pool = pool[:limit]
	}
	claimed := make([]domain.ImageRecord, 0, len(pool))
	for _, row := range pool {
		row.status = domain.Processing
		row.claimedAt = s.now()
		claimed = append(claimed, row.record)
	}
	return claimed, nil
}

func (s *Store) CompleteImage(_ context.Context, img domain.EnrichedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.images[img.ID]
	if !ok {
		return nil
	}
	row.status = img.Availability.Status()
	row.enriched = img
	return nil
}

// ResetStalledImages returns images stuck in processing for longer than olderThan to the
// unprocessed pool.
func (s *Store) ResetStalledImages(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int64
	for _, row := range s.images {
		if row.status == domain.Processing && row.claimedAt.Before(cutoff) {
			row.status = domain.Unprocessed
			n++
		}
	}
	return n, nil
}

func (s *Store) CountImages(_ context.Context) (total, unprocessed int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.images {
		if row.status == domain.Unprocessed {
			unprocessed++
		}
	}
	return int64(len(s.images)), unprocessed, nil
}

type Stats struct {
	Sitemaps   int
	Images     int
	Tags       int
	Variants   int
	TagLinks   int
	Groups     int
	GroupLinks int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Sitemaps:   len(s.sitemaps),
		Images:     len(s.images),
		Tags:       len(s.tags),
		Variants:   len(s.variants),
		TagLinks:   len(s.tagLinks),
		Groups:     len(s.groups),
		GroupLinks: len(s.groupLinks),
	}
}

// Image returns the stored state of an image.
func (s *Store) Image(id int64) (domain.EnrichedImage, domain.ImageStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.images[id]
	if !ok {
		return domain.EnrichedImage{}, "", false
	}
	img := row.enriched
	img.ImageRecord = row.record
	return img, row.status, true
}

// Variants lists the spellings recorded for a canonical tag.
func (s *Store) Variants(normalized string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagID, ok := s.tags[normalized]
	if !ok {
		return nil
	}
	var out []string
	for k, raw := range s.variants {
		if k.tagID == tagID {
			out = append(out, raw)
		}
	}
	sort.Strings(out)
	return out
}
