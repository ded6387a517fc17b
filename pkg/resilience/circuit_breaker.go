// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/fabula/pkg/errors"
)

// CircuitBreakerState is the position of a breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a breaker guarding one vendor.
type CircuitBreakerConfig struct {
	// Name identifies the guarded vendor in errors and callbacks.
	Name string
	// FailureThreshold consecutive failures open the circuit. Default 5.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again. Default 1.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a trial call. Default 30s.
	Timeout time.Duration
	// IsFailure picks the errors that count. Nil counts every error; calls
	// whose own context ended never count.
	IsFailure func(error) bool
	// OnStateChange, if set, is called after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker stops calling a vendor that keeps failing.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Call runs fn unless the circuit is open, in which case it fails at once with
// a non-recoverable PROVIDER_ERROR. fn runs without the lock held.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(ctx, err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Timeout {
		cb.moveLocked(StateHalfOpen)
	}
	to := cb.state
	retryIn := cb.cfg.Timeout - cb.now().Sub(cb.openedAt)
	cb.mu.Unlock()

	cb.notify(from, to)
	if to != StateOpen {
		return nil
	}
	return errors.Newf(errors.CodeProviderError, "%s: circuit open, retry in %s", cb.cfg.Name, retryIn.Round(time.Second)).
		WithContext("provider", cb.cfg.Name).
		WithRecoverable(false)
}

func (cb *CircuitBreaker) settle(ctx context.Context, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err == nil:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.moveLocked(StateClosed)
			}
		}
	case ctx.Err() != nil, cb.cfg.IsFailure != nil && !cb.cfg.IsFailure(err):
		// Not the vendor's fault.
	default:
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.moveLocked(StateOpen)
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) moveLocked(to CircuitBreakerState) {
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state without advancing an expired open circuit.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.moveLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
