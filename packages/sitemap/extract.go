package sitemap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"

	"harvester/packages/domain"
	"harvester/packages/metrics"
)

const (
	sitemapNS = "http://www.sitemaps.org/schemas/sitemap/0.9"
	imageNS   = "http://www.google.com/schemas/sitemap-image/1.1"
)

// ErrMalformedPage marks a page URL that does not follow /photos/{owner}/{photo_id}/.
var ErrMalformedPage = errors.New("malformed photo page url")

type xmlURLSet struct {
	XMLName xml.Name `xml:"http://www.sitemaps.org/schemas/sitemap/0.9 urlset"`
	URLs    []xmlURL `xml:"http://www.sitemaps.org/schemas/sitemap/0.9 url"`
}

type xmlURL struct {
	Loc    string     `xml:"http://www.sitemaps.org/schemas/sitemap/0.9 loc"`
	Images []xmlImage `xml:"http://www.google.com/schemas/sitemap-image/1.1 image"`
}

type xmlImage struct {
	Loc   string `xml:"http://www.google.com/schemas/sitemap-image/1.1 loc"`
	Title string `xml:"http://www.google.com/schemas/sitemap-image/1.1 title"`
}

// Entry is a sitemap URL that carries an image.
type Entry struct {
	PageURL  string
	ImageURL string
	Title    string
}

type Extraction struct {
	Sampled []domain.ImageCandidate
	// Total counts every entry with an image element, before sampling.
	Total int
	// Malformed lists sampled page URLs that were dropped.
	Malformed []string
}

// Decompress gunzips payload when it carries the gzip magic bytes and returns it unchanged
// otherwise.
func Decompress(payload []byte) ([]byte, error) {
	if len(payload) < 2 || payload[0] != 0x1f || payload[1] != 0x8b {
		return payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	return out, nil
}

// ParseEntries returns every <url> entry that has an image sub-element.
func ParseEntries(payload []byte) ([]Entry, error) {
	body, err := Decompress(payload)
	if err != nil {
		return nil, err
	}

	var urlset xmlURLSet
	if err := xml.Unmarshal(body, &urlset); err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}

	entries := make([]Entry, 0, len(urlset.URLs))
	for i := range urlset.URLs {
		u := &urlset.URLs[i]
		if len(u.Images) == 0 || strings.TrimSpace(u.Images[0].Loc) == "" {
			continue
		}
		entries = append(entries, Entry{
			PageURL:  strings.TrimSpace(u.Loc),
			ImageURL: strings.TrimSpace(u.Images[0].Loc),
			Title:    strings.TrimSpace(u.Images[0].Title),
		})
	}
	return entries, nil
}

// Extract parses a shard and keeps round(fraction*total) entries drawn uniformly without
// replacement. Sampled entries whose page URL cannot be split into owner and photo id are
// reported in Malformed instead of Sampled. A nil rng uses the global source.
func Extract(payload []byte, fraction float64, rng *rand.Rand) (Extraction, error) {
	if fraction <= 0 || fraction > 1 {
		return Extraction{}, fmt.Errorf("sample fraction %v outside (0, 1]", fraction)
	}

	entries, err := ParseEntries(payload)
	if err != nil {
		return Extraction{}, err
	}
	metrics.CandidatesExtracted.Add(float64(len(entries)))

	result := Extraction{Total: len(entries)}
	for _, e := range Sample(entries, SampleSize(len(entries), fraction), rng) {
		owner, photoID, err := ParsePhotoPage(e.PageURL)
		if err != nil {
			result.Malformed = append(result.Malformed, e.PageURL)
			continue
		}
		result.Sampled = append(result.Sampled, domain.ImageCandidate{
			OwnerID:  owner,
			PhotoID:  photoID,
			Title:    e.Title,
			ImageURL: e.ImageURL,
			PageURL:  e.PageURL,
		})
	}
	metrics.CandidatesSampled.Add(float64(len(result.Sampled)))
	return result, nil
}

// SampleSize is round(fraction*total) with halves rounded to even.
func SampleSize(total int, fraction float64) int {
	n := int(math.RoundToEven(fraction * float64(total)))
	return min(max(n, 0), total)
}

// Sample returns n distinct elements of items in random order (partial Fisher-Yates).
func Sample[T any](items []T, n int, rng *rand.Rand) []T {
	n = min(max(n, 0), len(items))
	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		j := i + intN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = items[idx[i]]
	}
	return out
}

// ParsePhotoPage splits .../photos/{owner}/{photo_id}/... into its owner and photo id.
func ParsePhotoPage(pageURL string) (owner, photoID string, err error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "photos" {
			continue
		}
		owner, photoID = parts[i+1], parts[i+2]
		if owner != "" && isDigits(photoID) {
			return owner, photoID, nil
		}
		break
	}
	return "", "", fmt.Errorf("%w: %q", ErrMalformedPage, pageURL)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
