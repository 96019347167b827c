package store

import (
	"context"
	"errors"
	"math"
	"time"

	"calltrack/internal/calls"
)

// Backoff is the exponential retry policy for writes that fail with
// calls.ErrStorageUnavailable.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     200 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}
}

// WithDefaults fills zero fields from DefaultBackoff.
func (b Backoff) WithDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	return b
}

// Delay returns the wait after the given zero-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt)))
	if delay > b.Max || delay <= 0 {
		delay = b.Max
	}
	return delay
}

// Retry runs fn until it succeeds, fails with something other than
// calls.ErrStorageUnavailable, attempts run out, or ctx is done.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !errors.Is(err, calls.ErrStorageUnavailable) {
			return err
		}
		if attempt == b.MaxAttempts-1 {
			break
		}
		t := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
