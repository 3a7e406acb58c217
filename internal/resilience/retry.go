package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines backoff for one kind of outbound call.
type RetryPolicy struct {
	MaxAttempts  int           // total attempts including the first; <=1 disables retry
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool // add 0-20% random delay
}

// DefaultRetryPolicy gives 3 attempts with 1s and 2s waits between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       false,
	}
}

// RetryableFunc is one attempt of an outbound call.
type RetryableFunc[T any] func(ctx context.Context) (T, error)

// Retry runs fn until it succeeds, the error is not retryable, attempts run
// out or ctx is done. onRetry may be nil.
func Retry[T any](
	ctx context.Context,
	policy RetryPolicy,
	fn RetryableFunc[T],
	classify func(error) RetryClass,
	onRetry func(attempt int, delay time.Duration, err error),
) (T, error) {
	var zero T
	if classify == nil {
		classify = ClassifyError
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		class := classify(err)
		if class == RetryClassNonRetryable {
			return zero, err
		}
		if attempt >= maxAttempts {
			if maxAttempts == 1 {
				return zero, err
			}
			return zero, &RetryExhaustedError{Err: err, Attempts: attempt}
		}
		if class == RetryClassMaybe && attempt >= 2 {
			return zero, &RetryExhaustedError{Err: err, Attempts: attempt, Guarded: true}
		}

		delay := BackoffDelay(policy, attempt-1, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// BackoffDelay computes the wait after the given zero-based retry number.
func BackoffDelay(policy RetryPolicy, retry int, err error) time.Duration {
	if ra := RetryAfter(err); ra > 0 {
		if policy.MaxDelay > 0 && ra > policy.MaxDelay {
			return policy.MaxDelay
		}
		return ra
	}

	mult := policy.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(policy.InitialDelay) * math.Pow(mult, float64(retry))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter {
		delay += rand.Float64() * 0.2 * delay
	}
	return time.Duration(delay)
}
