package proc

import (
	"context"
	"math/rand"
	"time"

	"github.com/agent-device/agent-device/internal/domain"
)

// RetryPolicy bounds a retried backend call.
type RetryPolicy struct {
	Attempts    int
	InitialWait time.Duration
	MaxWait     time.Duration
	// ShouldRetry decides per normalized error whether another attempt
	// is worthwhile. Nil retries only COMMAND_FAILED.
	ShouldRetry func(err *domain.CPError) bool
}

// DefaultRetryPolicy makes up to three attempts on transient command
// failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    3,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     4 * time.Second,
	}
}

// Retry runs fn under the policy with exponential backoff and jitter.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	shouldRetry := policy.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err *domain.CPError) bool {
			return err.Code == domain.CodeCommandFailed
		}
	}

	wait := policy.InitialWait
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		cp := domain.AsCPError(lastErr)
		if attempt == policy.Attempts || !shouldRetry(cp) {
			return lastErr
		}
		// Full jitter over the current backoff window.
		sleep := time.Duration(rand.Int63n(int64(wait) + 1))
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(sleep):
		}
		wait *= 2
		if policy.MaxWait > 0 && wait > policy.MaxWait {
			wait = policy.MaxWait
		}
	}
	return lastErr
}
