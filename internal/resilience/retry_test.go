package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrierSucceedsFirstAttempt(t *testing.T) {
	r := &Retrier{MaxAttempts: 3, Sleep: noSleep}

	calls := 0
	attempts, err := r.Do(context.Background(), alwaysRetryable, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("attempts = %d, calls = %d, want 1 and 1", attempts, calls)
	}
}

func TestRetrierExhaustsBudget(t *testing.T) {
	r := &Retrier{MaxAttempts: 3, Backoff: 5 * time.Second, Sleep: noSleep}

	failure := errors.New("transient failure")
	calls := 0
	attempts, err := r.Do(context.Background(), alwaysRetryable, func(context.Context) error {
		calls++
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("error = %v, want %v", err, failure)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3 and 3", attempts, calls)
	}
}

func TestRetrierRecoversMidway(t *testing.T) {
	r := &Retrier{MaxAttempts: 5, Sleep: noSleep}

	calls := 0
	attempts, err := r.Do(context.Background(), alwaysRetryable, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetrierNonRetryableAbortsImmediately(t *testing.T) {
	r := &Retrier{MaxAttempts: 5, Sleep: noSleep}

	fatal := errors.New("permanent failure")
	calls := 0
	attempts, err := r.Do(context.Background(), func(error) bool { return false }, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("error = %v, want %v", err, fatal)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("attempts = %d, calls = %d, want 1 and 1", attempts, calls)
	}
}

func TestRetrierSleepsBetweenAttempts(t *testing.T) {
	var slept []time.Duration
	r := &Retrier{
		MaxAttempts: 4,
		Backoff:     2 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}

	_, _ = r.Do(context.Background(), alwaysRetryable, func(context.Context) error {
		return errors.New("fail")
	})

	if len(slept) != 3 {
		t.Fatalf("sleep calls = %d, want 3", len(slept))
	}
	for _, d := range slept {
		if d != 2*time.Second {
			t.Fatalf("backoff = %v, want 2s", d)
		}
	}
}

func TestRetrierCancelledDuringBackoff(t *testing.T) {
	r := &Retrier{
		MaxAttempts: 3,
		Backoff:     time.Second,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			return context.Canceled
		},
	}

	attempts, err := r.Do(context.Background(), alwaysRetryable, func(context.Context) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRetrierZeroBudgetRunsOnce(t *testing.T) {
	r := &Retrier{MaxAttempts: 0, Sleep: noSleep}

	calls := 0
	attempts, _ := r.Do(context.Background(), alwaysRetryable, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if attempts != 1 || calls != 1 {
		t.Fatalf("attempts = %d, calls = %d, want 1 and 1", attempts, calls)
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func alwaysRetryable(error) bool { return true }
