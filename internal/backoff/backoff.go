// Package backoff implements capped exponential backoff with jitter and a
// retry helper built on top of it.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned by Iterator.Next when no attempts remain.
var ErrAttemptsExhausted = errors.New("backoff attempts exhausted")

// Policy configures the backoff curve.
// Delay for attempt n (0-indexed) is min(MaxDelayMs, BaseDelayMs*2^n),
// scaled by a jitter factor uniform in [1-Jitter, 1+Jitter].
type Policy struct {
	BaseDelayMs int64
	MaxDelayMs  int64
	Jitter      float64 // in [0, 1]
	MaxAttempts int
}

// DefaultPolicy returns a policy suitable for worker-to-supervisor retries.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelayMs: 250,
		MaxDelayMs:  10000,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

// CalculateDelay returns the delay in milliseconds for the given 0-indexed
// attempt. It is pure apart from jitter sampling; with Jitter=0 the result is
// exactly min(MaxDelayMs, BaseDelayMs*2^attempt).
func (p Policy) CalculateDelay(attempt int) int64 {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.BaseDelayMs) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxDelayMs) {
		d = float64(p.MaxDelayMs)
	}

	if p.Jitter > 0 {
		u := rand.Float64()*2 - 1 // Uniform(-1, 1)
		d = d * (1 + u*p.Jitter)
	}
	if d < 0 {
		d = 0
	}

	return int64(math.Round(d))
}

// Iterator is the stateful form of a Policy: each Next advances the attempt
// counter. Not safe for concurrent use.
type Iterator struct {
	policy  Policy
	attempt int
}

// NewIterator returns an Iterator over the policy's attempts.
func NewIterator(policy Policy) *Iterator {
	return &Iterator{policy: policy}
}

// Next returns the delay for the current attempt and advances the iterator.
// Once MaxAttempts delays have been handed out it returns ErrAttemptsExhausted.
func (it *Iterator) Next() (int64, error) {
	if it.policy.MaxAttempts > 0 && it.attempt >= it.policy.MaxAttempts {
		return 0, ErrAttemptsExhausted
	}
	delay := it.policy.CalculateDelay(it.attempt)
	it.attempt++
	return delay, nil
}

// Attempt returns the number of delays handed out so far.
func (it *Iterator) Attempt() int {
	return it.attempt
}

// Reset rewinds the iterator to attempt zero.
func (it *Iterator) Reset() {
	it.attempt = 0
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retriable for Retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryObserver is invoked before each retry sleep with the 0-indexed attempt
// that just failed, the error it failed with, and the upcoming delay.
type RetryObserver func(attempt int, err error, delayMs int64)

// Retry runs op until it succeeds, returns a permanent error, the context is
// cancelled, or the policy's attempts are exhausted. On exhaustion the last
// error is returned.
func Retry(ctx context.Context, policy Policy, op func() error, observer RetryObserver) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Err
		}

		if attempt == attempts-1 {
			break
		}

		delay := policy.CalculateDelay(attempt)
		if observer != nil {
			observer(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}
	}

	return lastErr
}
