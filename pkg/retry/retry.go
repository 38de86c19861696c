// Package retry runs an attempt function under a bounded attempt budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt ran without reaching a terminal state.
var ErrExhausted = errors.New("retry attempts exhausted")

// ErrInvalidPolicy is returned for a policy without attempts.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Attempt performs one try. done=true stops the loop successfully.
type Attempt func(ctx context.Context, attempt int) (done bool, err error)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	// Backoff multiplies the interval after each attempt; values <= 1 keep it fixed.
	Backoff     float64
	MaxInterval time.Duration
	// Retryable decides whether an attempt error is retried; nil stops on the first error.
	Retryable func(error) bool
}

// Do runs attempt until it reports done, returns a non-retryable error, or the budget is
// spent. Cancellation of ctx stops the wait between attempts.
func (policy Policy) Do(ctx context.Context, attempt Attempt) error {
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidPolicy)
	}
	interval := policy.Interval
	var lastErr error
	for attemptIndex := 1; attemptIndex <= policy.MaxAttempts; attemptIndex++ {
		done, err := attempt(ctx, attemptIndex)
		if err != nil {
			if policy.Retryable == nil || !policy.Retryable(err) {
				return err
			}
			lastErr = err
		} else if done {
			return nil
		}
		if attemptIndex == policy.MaxAttempts {
			break
		}
		if err := wait(ctx, interval); err != nil {
			return err
		}
		interval = policy.next(interval)
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, policy.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, policy.MaxAttempts)
}

func (policy Policy) next(interval time.Duration) time.Duration {
	if policy.Backoff <= 1 {
		return interval
	}
	grown := time.Duration(float64(interval) * policy.Backoff)
	if policy.MaxInterval > 0 && grown > policy.MaxInterval {
		return policy.MaxInterval
	}
	return grown
}

func wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
