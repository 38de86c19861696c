package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDo(test *testing.T) {
	test.Parallel()
	transient := errors.New("transient")
	permanent := errors.New("permanent")
	testCases := []struct {
		name         string
		policy       Policy
		outcomes     []error
		doneAt       int
		wantErr      error
		wantAttempts int
	}{
		{
			name:         "done on third attempt",
			policy:       Policy{MaxAttempts: 5, Interval: time.Millisecond},
			doneAt:       3,
			wantAttempts: 3,
		},
		{
			name:         "exhausted without terminal state",
			policy:       Policy{MaxAttempts: 4, Interval: time.Millisecond},
			wantErr:      ErrExhausted,
			wantAttempts: 4,
		},
		{
			name:         "non retryable error stops immediately",
			policy:       Policy{MaxAttempts: 4, Interval: time.Millisecond},
			outcomes:     []error{permanent},
			wantErr:      permanent,
			wantAttempts: 1,
		},
		{
			name: "retryable errors exhaust the budget",
			policy: Policy{MaxAttempts: 3, Interval: time.Millisecond, Backoff: 2, MaxInterval: 3 * time.Millisecond,
				Retryable: func(err error) bool { return errors.Is(err, transient) }},
			outcomes:     []error{transient, transient, transient},
			wantErr:      ErrExhausted,
			wantAttempts: 3,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			attempts := 0
			err := testCase.policy.Do(context.Background(), func(_ context.Context, attempt int) (bool, error) {
				attempts = attempt
				if attempt <= len(testCase.outcomes) && testCase.outcomes[attempt-1] != nil {
					return false, testCase.outcomes[attempt-1]
				}
				return testCase.doneAt != 0 && attempt >= testCase.doneAt, nil
			})
			if testCase.wantErr == nil && err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if attempts != testCase.wantAttempts {
				test.Fatalf("expected %d attempts, got %d", testCase.wantAttempts, attempts)
			}
		})
	}
}

func TestPolicyDoStopsOnCancellation(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 10, Interval: time.Hour}
	err := policy.Do(ctx, func(context.Context, int) (bool, error) {
		cancel()
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPolicyRejectsEmptyBudget(test *testing.T) {
	test.Parallel()
	err := Policy{}.Do(context.Background(), func(context.Context, int) (bool, error) { return true, nil })
	if !errors.Is(err, ErrInvalidPolicy) {
		test.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestPolicyNextInterval(test *testing.T) {
	test.Parallel()
	policy := Policy{Backoff: 2, MaxInterval: 5 * time.Second}
	if next := policy.next(2 * time.Second); next != 4*time.Second {
		test.Fatalf("expected 4s, got %s", next)
	}
	if next := policy.next(4 * time.Second); next != 5*time.Second {
		test.Fatalf("expected cap at 5s, got %s", next)
	}
	if next := (Policy{}).next(time.Second); next != time.Second {
		test.Fatalf("expected fixed interval, got %s", next)
	}
}
