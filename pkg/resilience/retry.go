// SPDX-License-Identifier: Apache-2.0

// Package resilience bounds vendor calls and pipeline runs: retries with
// backoff, a per-vendor circuit breaker, and run timeouts.
package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jllopis/fabula/pkg/errors"
)

// RetryConfig controls retries with exponential backoff. Attempts are always
// bounded; a MaxAttempts below one means a single attempt.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier grows the delay per attempt; zero means 2.
	Multiplier float64
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64
	// RateLimitDelay is the least a retry waits after an HTTP 429, still
	// capped by MaxDelay.
	RateLimitDelay time.Duration

	// IsRecoverable decides whether an error is retried. Nil means IsRecoverable.
	IsRecoverable func(error) bool
	// OnRetry runs before each retry with the attempt about to start (from 2),
	// the wait before it and the error that caused it.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig suits hosted LLM APIs: three attempts, starting at a
// quarter second, never waiting more than ten.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		RateLimitDelay: 2 * time.Second,
		IsRecoverable:  IsRecoverable,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

func (rc RetryConfig) WithOnRetry(fn func(attempt int, delay time.Duration, err error)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do calls fn until it succeeds, fails with an unrecoverable error, or the
// attempts run out; the last error is returned. Cancellation while waiting
// yields CONTEXT_LOST.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = IsRecoverable
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := rc.Delay(attempt-1, err)
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, delay, err)
			}
			if waitErr := sleep(ctx, delay); waitErr != nil {
				return errors.New(errors.CodeContextLost, "canceled while waiting to retry", waitErr).
					WithContext("attempt", attempt).
					WithContext("max_attempts", attempts)
			}
		}
		if err = fn(); err == nil || !recoverable(err) {
			return err
		}
	}
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := rc.Do(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// Delay returns the wait before retry number n (from 1) after err.
func (rc RetryConfig) Delay(n int, err error) time.Duration {
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(rc.InitialDelay) * math.Pow(mult, float64(n-1)))
	if rc.Jitter > 0 {
		d += time.Duration(float64(d) * rc.Jitter * (2*rand.Float64() - 1))
	}
	if fe := errors.AsFabulaError(err); rc.RateLimitDelay > 0 && fe != nil && fe.StatusCode == http.StatusTooManyRequests {
		d = max(d, rc.RateLimitDelay)
	}
	if rc.MaxDelay > 0 {
		d = min(d, rc.MaxDelay)
	}
	return max(d, 0)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRecoverable reports whether err is worth retrying. Fabula errors carry
// the answer; caller cancellation never is; any other error is.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var fe *errors.FabulaError
	if stderrors.As(err, &fe) {
		return fe.Recoverable
	}
	return !stderrors.Is(err, context.Canceled)
}
