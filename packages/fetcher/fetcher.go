// Package fetcher issues outbound GET requests and absorbs transient failures.
//
// Network errors and 5xx responses are never returned to the caller; they are retried
// according to the injected retry.Policy. Anything below 500 is handed back as-is, so 4xx
// interpretation stays with the caller.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"harvester/packages/metrics"
	"harvester/packages/retry"
)

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Config struct {
	Timeout   time.Duration
	UserAgent string
	Policy    retry.Policy
}

type Fetcher struct {
	client    *http.Client
	userAgent string
	policy    retry.Policy
}

// StatusError describes a server-side failure that was retried.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func New(cfg Config) *Fetcher {
	return NewWithClient(&http.Client{Timeout: cfg.Timeout}, cfg)
}

// NewWithClient uses client as-is; cfg.Timeout is ignored.
func NewWithClient(client *http.Client, cfg Config) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: cfg.UserAgent,
		policy:    cfg.Policy,
	}
}

// Fetch returns the first response with a status code below 500. It only fails when ctx is
// done or the policy caps the number of attempts.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.URL.Scheme == "" || req.URL.Host == "" {
		return nil, fmt.Errorf("build request: %q is not an absolute URL", rawURL)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	for attempt := 1; ; attempt++ {
		slog.Debug("Fetch attempt", "url", rawURL, "attempt", attempt)

		resp, err := f.do(req.Clone(ctx))
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			metrics.FetchAttempts.WithLabelValues("ok").Inc()
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err == nil {
			err = &StatusError{StatusCode: resp.StatusCode}
		}

		metrics.FetchAttempts.WithLabelValues("failed").Inc()
		slog.Warn("Fetch attempt failed", "url", rawURL, "attempt", attempt, "error", err)

		if waitErr := f.policy.Wait(ctx, attempt); waitErr != nil {
			if errors.Is(waitErr, retry.ErrExhausted) {
				return nil, fmt.Errorf("fetch %s after %d attempts: %w: %w", rawURL, attempt, waitErr, err)
			}
			return nil, waitErr
		}
	}
}

func (f *Fetcher) do(req *http.Request) (*Response, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
