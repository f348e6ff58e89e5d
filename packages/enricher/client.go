// Package enricher queries the photo REST API for an image's tags, upload time, view count
// and group pools, and classifies the image as available, gone or private.
package enricher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"harvester/packages/domain"
	"harvester/packages/fetcher"
	"harvester/packages/retry"
)

const (
	DefaultEndpoint = "https://api.flickr.com/services/rest"
	DefaultCooldown = 60 * time.Second

	methodGetInfo     = "flickr.photos.getInfo"
	methodGetContexts = "flickr.photos.getAllContexts"

	codeServiceUnavailable = 105
)

// ErrProtocolViolation matches every ProtocolViolationError.
var ErrProtocolViolation = errors.New("unhandled api response")

// ProtocolViolationError is a response that fits neither a known success shape nor a
// recognized failure message. It is fatal for the image it concerns.
type ProtocolViolationError struct {
	Method  string
	PhotoID string
	Reason  string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("%s: %s for photo %s: %s", ErrProtocolViolation, e.Method, e.PhotoID, e.Reason)
}

func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Response, error)
}

type Config struct {
	APIKey   string
	Endpoint string
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// Cooldown governs the wait after a "service unavailable" reply. A zero value waits
	// DefaultCooldown between unbounded retries.
	Cooldown retry.Policy
}

type Client struct {
	fetcher  Fetcher
	apiKey   string
	endpoint string
	limiter  *rate.Limiter
	cooldown retry.Policy
}

func NewClient(f Fetcher, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("enricher: api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Cooldown.Backoff == nil {
		cfg.Cooldown.Backoff = retry.Constant(DefaultCooldown)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		fetcher:  f,
		apiKey:   cfg.APIKey,
		endpoint: cfg.Endpoint,
		limiter:  rate.NewLimiter(limit, max(cfg.Burst, 1)),
		cooldown: cfg.Cooldown,
	}, nil
}

// TagData is the metadata of an available photo.
type TagData struct {
	Tags     []domain.RawTag
	Uploaded time.Time
	Views    int64
}

// TagData fetches tags, upload time and view count. Gone and Private are returned as an
// availability with a nil error.
func (c *Client) TagData(ctx context.Context, photoID string) (TagData, domain.Availability, error) {
	var resp infoResponse
	avail, err := c.call(ctx, methodGetInfo, photoID, &resp)
	if err != nil || avail != domain.AvailabilityAvailable {
		return TagData{}, avail, err
	}

	violation := func(reason string) error {
		return &ProtocolViolationError{Method: methodGetInfo, PhotoID: photoID, Reason: reason}
	}
	switch {
	case resp.Photo == nil:
		return TagData{}, domain.AvailabilityError, violation("missing photo")
	case resp.Photo.DateUploaded == nil:
		return TagData{}, domain.AvailabilityError, violation("missing dateuploaded")
	case resp.Photo.Views == nil:
		return TagData{}, domain.AvailabilityError, violation("missing views")
	}

	data := TagData{
		Uploaded: time.Unix(int64(*resp.Photo.DateUploaded), 0).UTC(),
		Views:    int64(*resp.Photo.Views),
	}
	for _, t := range resp.Photo.Tags.Tag {
		data.Tags = append(data.Tags, domain.RawTag{RemoteID: t.ID, Normalized: t.Content, Raw: t.Raw})
	}
	return data, domain.AvailabilityAvailable, nil
}

// Groups lists the group pools a photo belongs to. A response without a pool field means the
// photo is in no group.
func (c *Client) Groups(ctx context.Context, photoID string) ([]domain.Group, domain.Availability, error) {
	var resp contextsResponse
	avail, err := c.call(ctx, methodGetContexts, photoID, &resp)
	if err != nil || avail != domain.AvailabilityAvailable {
		return nil, avail, err
	}

	groups := make([]domain.Group, 0, len(resp.Pool))
	for _, p := range resp.Pool {
		groups = append(groups, domain.Group{RemoteID: p.ID, Title: p.Title})
	}
	return groups, domain.AvailabilityAvailable, nil
}

// call performs one API method, waiting out "service unavailable" replies, and decodes a
// successful body into out.
func (c *Client) call(ctx context.Context, method, photoID string, out any) (domain.Availability, error) {
	reqURL := c.requestURL(method, photoID)
	violation := func(reason string) error {
		return &ProtocolViolationError{Method: method, PhotoID: photoID, Reason: reason}
	}

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.AvailabilityError, err
		}
		resp, err := c.fetcher.Fetch(ctx, reqURL)
		if err != nil {
			return domain.AvailabilityError, fmt.Errorf("%s %s: %w", method, photoID, err)
		}

		outcome, detail := classify(resp)
		switch outcome {
		case outcomeOK:
			if err := json.Unmarshal(resp.Body, out); err != nil {
				return domain.AvailabilityError, violation(err.Error())
			}
			return domain.AvailabilityAvailable, nil
		case outcomeGone:
			return domain.AvailabilityGone, nil
		case outcomePrivate:
			return domain.AvailabilityPrivate, nil
		case outcomeUnavailable:
			slog.Warn("API unavailable, cooling down", "method", method, "photo_id", photoID, "attempt", attempt, "detail", detail)
			if err := c.cooldown.Wait(ctx, attempt); err != nil {
				return domain.AvailabilityError, fmt.Errorf("%s %s: %w", method, photoID, err)
			}
		default:
			return domain.AvailabilityError, violation(detail)
		}
	}
}

func (c *Client) requestURL(method, photoID string) string {
	q := url.Values{}
	q.Set("method", method)
	q.Set("api_key", c.apiKey)
	q.Set("photo_id", photoID)
	q.Set("format", "json")
	q.Set("nojsoncallback", "1")
	return c.endpoint + "?" + q.Encode()
}

type outcome int

const (
	outcomeViolation outcome = iota
	outcomeOK
	outcomeGone
	outcomePrivate
	outcomeUnavailable
)

type envelope struct {
	Stat    string `json:"stat"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func classify(resp *fetcher.Response) (outcome, string) {
	if resp.StatusCode == http.StatusTooManyRequests {
		return outcomeUnavailable, "http 429"
	}
	if resp.StatusCode != http.StatusOK {
		return outcomeViolation, "http status " + strconv.Itoa(resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return outcomeViolation, "invalid json: " + err.Error()
	}
	if env.Stat == "ok" {
		return outcomeOK, ""
	}
	if env.Stat != "fail" {
		return outcomeViolation, fmt.Sprintf("unknown stat %q", env.Stat)
	}

	msg := strings.ToLower(env.Message)
	switch {
	case env.Code == codeServiceUnavailable,
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "not available"):
		return outcomeUnavailable, env.Message
	case strings.Contains(msg, "not found"):
		return outcomeGone, env.Message
	case strings.Contains(msg, "is private"), strings.Contains(msg, "permission denied"):
		return outcomePrivate, env.Message
	default:
		return outcomeViolation, fmt.Sprintf("unrecognized failure %d: %s", env.Code, env.Message)
	}
}

type infoResponse struct {
	Photo *struct {
		ID           string   `json:"id"`
		DateUploaded *flexInt `json:"dateuploaded"`
		Views        *flexInt `json:"views"`
		Tags         struct {
			Tag []struct {
				ID      string `json:"id"`
				Raw     string `json:"raw"`
				Content string `json:"_content"`
			} `json:"tag"`
		} `json:"tags"`
	} `json:"photo"`
}

type contextsResponse struct {
	Pool []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"pool"`
}

// flexInt accepts both 123 and "123"; the API quotes most numbers.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*f = flexInt(n)
	return nil
}
