// Package domain
package domain

import "time"

// ImageStatus is the lifecycle state of a persisted image record.
type ImageStatus string

const (
	Unprocessed ImageStatus = "unprocessed"
	Processing  ImageStatus = "processing"
	Available   ImageStatus = "available"
	Gone        ImageStatus = "gone"
	Private     ImageStatus = "private"
	Errored     ImageStatus = "error"
)

// Availability classifies an image after enrichment.
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityGone      Availability = "gone"
	AvailabilityPrivate   Availability = "private"
	AvailabilityError     Availability = "error"
)

// Status maps an availability class onto the stored image status.
func (a Availability) Status() ImageStatus {
	switch a {
	case AvailabilityAvailable:
		return Available
	case AvailabilityGone:
		return Gone
	case AvailabilityPrivate:
		return Private
	default:
		return Errored
	}
}

type ImageCandidate struct {
	OwnerID  string
	PhotoID  string
	Title    string
	ImageURL string
	PageURL  string
}

// ImageRecord is a candidate that has been persisted under a sitemap scrape.
type ImageRecord struct {
	ID        int64
	SitemapID int64
	ImageCandidate
}

type RawTag struct {
	RemoteID   string
	Normalized string
	Raw        string
}

type Group struct {
	RemoteID string
	Title    string
}

type EnrichedImage struct {
	ImageRecord
	Availability Availability
	Uploaded     time.Time
	Views        int64
	Tags         []RawTag
	Groups       []Group
	Language     string
	ErrorMsg     string
}

// SitemapScrape records one retrieved shard for a given day.
type SitemapScrape struct {
	ID            int64
	Date          time.Time
	DayMap        int
	ScrapedAt     time.Time
	Size          int
	SelectionSize int
	RunID         string
}

type TagVariant struct {
	TagID int64
	Raw   string
	Key   string
}
