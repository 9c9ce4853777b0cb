// Package retry provides the single retry-with-backoff primitive, so
// backoff policy lives in one place instead of being reimplemented per
// caller. The upstream client is its only caller: cold store uploads and
// hot store batch writes are attempted once and are not retried.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy controls attempt count and backoff shape.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of delay to randomize, e.g. 0.2 = +/-20%
	Retryable   func(error) bool
}

// DefaultPolicy mirrors the upstream client's historical backoff: five
// attempts, doubling from 500ms, capped at 30s.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
		Retryable:   retryable,
	}
}

// Do runs fn, retrying with exponential backoff while p.Retryable(err) is
// true and attempts remain. It returns the last error if every attempt
// fails, or nil as soon as fn succeeds. ctx cancellation aborts immediately,
// including during a backoff sleep.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Retryable == nil {
		p.Retryable = func(error) bool { return false }
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !p.Retryable(lastErr) {
			return lastErr
		}

		sleep := withJitter(delay, p.Jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		return 0
	}
	return time.Duration(result)
}
