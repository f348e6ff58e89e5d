package enricher

import (
	"context"
	"fmt"

	"harvester/packages/domain"
)

// Enricher combines both lookups into one EnrichedImage.
type Enricher struct {
	client *Client
}

func New(client *Client) *Enricher {
	return &Enricher{client: client}
}

// Enrich fetches metadata and groups for rec. Groups are only looked up for available photos;
// a gone or private answer from the group lookup overrides the earlier availability. On error
// the returned image carries AvailabilityError and the message.
func (e *Enricher) Enrich(ctx context.Context, rec domain.ImageRecord) (domain.EnrichedImage, error) {
	img := domain.EnrichedImage{ImageRecord: rec}

	data, avail, err := e.client.TagData(ctx, rec.PhotoID)
	if err != nil {
		return failed(img, err)
	}
	img.Availability = avail
	if avail != domain.AvailabilityAvailable {
		return img, nil
	}
	img.Tags, img.Uploaded, img.Views = data.Tags, data.Uploaded, data.Views

	groups, avail, err := e.client.Groups(ctx, rec.PhotoID)
	if err != nil {
		return failed(img, err)
	}
	if avail != domain.AvailabilityAvailable {
		img.Availability = avail
		img.Tags = nil
		return img, nil
	}
	img.Groups = groups
	return img, nil
}

func failed(img domain.EnrichedImage, err error) (domain.EnrichedImage, error) {
	img.Availability = domain.AvailabilityError
	img.ErrorMsg = err.Error()
	return img, fmt.Errorf("enrich photo %s: %w", img.PhotoID, err)
}
