// Package resilience provides the shared primitives used to protect calls
// to unreliable downstream systems: an exponential-backoff retry executor
// and a three-state circuit breaker.
//
// Both primitives inspect errors through small optional interfaces rather
// than concrete types, so any error can opt into richer handling:
//
//	type Recoverability interface{ Recoverable() bool }
//	type RetryHint interface{ RetryAfter() (time.Duration, bool) }
//
// The agent package's structured errors implement both.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Recoverability is implemented by errors that know whether a retry may
// succeed. Errors without it are assumed recoverable.
type Recoverability interface {
	Recoverable() bool
}

// RetryHint is implemented by errors carrying a server-suggested retry
// delay (e.g. a 429 Retry-After).
type RetryHint interface {
	RetryAfter() (time.Duration, bool)
}

// RetryPolicy configures the retry executor. Policies are passed per call
// and never stored.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the first backoff delay; each subsequent backoff
	// doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Zero or negative means the
	// default cap.
	MaxDelay time.Duration

	// Jitter spreads each computed delay uniformly across +/-25%.
	Jitter bool
}

// DefaultRetryPolicy is a sensible policy for LLM-provider style calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Jitter:     true,
	}
}

// Operation is a unit of work eligible for retry.
type Operation func(ctx context.Context) (any, error)

// Retry runs op under the given policy. Stop conditions, in precedence
// order: success returns immediately; a non-recoverable error returns
// immediately without retrying; an error with a suggested retry delay
// sleeps exactly that long (without advancing the backoff schedule);
// otherwise the executor sleeps min(BaseDelay*2^n, MaxDelay), jittered when
// enabled. Once MaxRetries is exhausted the last error is returned
// unchanged.
func Retry(ctx context.Context, policy RetryPolicy, op Operation) (any, error) {
	var lastErr error
	backoffStep := 0

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !isRecoverable(err) {
			return nil, err
		}
		if attempt == policy.MaxRetries {
			break
		}

		delay, hinted := retryAfter(err)
		if !hinted {
			delay = backoffDelay(policy, backoffStep)
			backoffStep++
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func backoffDelay(policy RetryPolicy, step int) time.Duration {
	limit := policy.MaxDelay
	if limit <= 0 {
		limit = DefaultRetryPolicy().MaxDelay
	}
	// The shift overflows negative for large steps; clamp to the cap
	// either way.
	delay := policy.BaseDelay << uint(step)
	if delay > limit || delay <= 0 {
		delay = limit
	}
	if policy.Jitter {
		// Uniform in [0.75, 1.25) of the computed delay.
		delay = time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
	}
	return delay
}

func isRecoverable(err error) bool {
	var r Recoverability
	if errors.As(err, &r) {
		return r.Recoverable()
	}
	return true
}

func retryAfter(err error) (time.Duration, bool) {
	var h RetryHint
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0, false
}
