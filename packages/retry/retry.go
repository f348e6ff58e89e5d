// Package retry holds the backoff policies shared by every component that talks to the
// remote service.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when a policy with a finite MaxAttempts runs out.
var ErrExhausted = errors.New("retry attempts exhausted")

// BackoffFunc returns the wait before the retry that follows failure number attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy decides how long to wait between attempts and when to give up.
// A zero MaxAttempts retries forever.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Sleep       SleepFunc
}

// Linear waits attempt*step: step, 2*step, 3*step, ...
func Linear(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// Constant waits d after every failure.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}

// Exhausted reports whether no retry may follow failure number attempt.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Wait sleeps for the backoff that follows failure number attempt.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	if p.Exhausted(attempt) {
		return ErrExhausted
	}
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff(attempt)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, d)
}

// SleepContext is the production SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
