// Package resilience provides reliability patterns for external process and
// service calls: bounded retry with fixed backoff and a circuit breaker.
package resilience

import (
	"context"
	"time"
)

// Retrier re-runs an operation up to a fixed attempt budget with a constant
// backoff between attempts. Whether a failure is worth retrying is decided
// by the caller-supplied predicate; failures it rejects abort immediately.
type Retrier struct {
	MaxAttempts int
	Backoff     time.Duration

	// Sleep is swapped out in tests. Nil means time.Sleep honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs fn until it succeeds, fails non-retryably, the attempt budget is
// exhausted, or ctx is cancelled. It returns the number of attempts made and
// the last error.
func (r *Retrier) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, r.Backoff); err != nil {
				return attempt - 1, err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(lastErr) {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
