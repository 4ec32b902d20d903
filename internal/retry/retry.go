// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapped with the last attempt's error) when a
// policy runs out of attempts.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. Delay n is BaseDelay*Multiplier^(n-1), capped at
// MaxDelay when MaxDelay is positive.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Exponential mirrors the backoff used for session establishment and
// readiness polling: multiplier 2, capped at 30s.
func Exponential(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Fixed waits the same interval between every attempt.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: interval, MaxDelay: interval, Multiplier: 1}
}

// Delay returns the wait after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do stops retrying and returns it unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the context is
// done or the policy is exhausted.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	return DoNotify(ctx, policy, fn, nil)
}

// DoNotify is Do with a callback invoked after each failed attempt that will
// be retried.
func DoNotify(ctx context.Context, policy Policy, fn func(ctx context.Context) error, notify func(attempt int, err error, wait time.Duration)) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		wait := policy.Delay(attempt)
		if notify != nil {
			notify(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
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
