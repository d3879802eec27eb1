package relay

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes the wait before a retry.
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff waits Base*Factor^attempt, capped at Max, spread by
// ±Jitter.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0.0 to 1.0
}

// DefaultBackoff is used by relays that retry publishes.
// Base: 50ms, Max: 1s, Factor: 2.0, Jitter: 0.2
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   50 * time.Millisecond,
		Max:    time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the wait before the given retry (0-based).
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Factor
		if delay >= float64(b.Max) {
			break
		}
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		delay += delay * (rand.Float64()*2 - 1) * b.Jitter
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, attempts are exhausted or ctx is done.
// It returns the last error from fn, or ctx.Err() if the context ended first.
func Retry(ctx context.Context, b Backoff, attempts int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Next(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}
