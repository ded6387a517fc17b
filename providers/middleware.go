// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/fabula/pkg/llm"
	"github.com/jllopis/fabula/pkg/resilience"
	"github.com/jllopis/fabula/pkg/telemetry"
)

// wrapped delegates formatting and naming to the inner provider.
type wrapped struct {
	inner    llm.Provider
	generate func(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error)
}

func (w *wrapped) Name() string { return llm.ProviderName(w.inner) }

func (w *wrapped) FormatMessages(systemPrompt, userMessage string) []llm.Message {
	return w.inner.FormatMessages(systemPrompt, userMessage)
}

func (w *wrapped) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	return w.generate(ctx, messages, opts)
}

// Unwrap returns the decorated provider.
func (w *wrapped) Unwrap() llm.Provider { return w.inner }

// WithRetry retries recoverable Generate failures under cfg. Attempts are
// always bounded; a non-positive MaxAttempts means a single attempt.
func WithRetry(p llm.Provider, cfg resilience.RetryConfig) llm.Provider {
	if cfg.IsRecoverable == nil {
		cfg.IsRecoverable = resilience.IsRecoverable
	}
	return &wrapped{
		inner: p,
		generate: func(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
			return resilience.DoWithResult(ctx, cfg, func() (string, error) {
				return p.Generate(ctx, messages, opts)
			})
		},
	}
}

// WithCircuitBreaker rejects calls while cb is open.
func WithCircuitBreaker(p llm.Provider, cb *resilience.CircuitBreaker) llm.Provider {
	return &wrapped{
		inner: p,
		generate: func(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
			var out string
			err := cb.Call(ctx, func() error {
				var err error
				out, err = p.Generate(ctx, messages, opts)
				return err
			})
			return out, err
		},
	}
}

// RetryMiddleware applies WithRetry to every provider, logging and counting
// each retry. metrics may be nil.
func RetryMiddleware(cfg resilience.RetryConfig, logger *slog.Logger, metrics *telemetry.PipelineMetrics) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(vendor string, p llm.Provider) llm.Provider {
		c := cfg
		c.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.Warn("retrying provider call",
				slog.String("provider", vendor),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", cfg.MaxAttempts),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			metrics.RecordRetry(context.Background(), vendor)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, delay, err)
			}
		}
		return WithRetry(p, c)
	}
}

// BreakerMiddleware shares one circuit breaker per vendor across every
// provider the registry builds, so failures in one run protect later runs.
// Only recoverable errors count against a vendor.
func BreakerMiddleware(cfg resilience.CircuitBreakerConfig, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	var mu sync.Mutex
	breakers := make(map[string]*resilience.CircuitBreaker)
	return func(vendor string, p llm.Provider) llm.Provider {
		mu.Lock()
		cb, ok := breakers[vendor]
		if !ok {
			c := cfg
			c.Name = vendor
			if c.IsFailure == nil {
				c.IsFailure = resilience.IsRecoverable
			}
			c.OnStateChange = func(name string, from, to resilience.CircuitBreakerState) {
				level := slog.LevelInfo
				if to == resilience.StateOpen {
					level = slog.LevelWarn
				}
				logger.Log(context.Background(), level, "provider circuit "+string(to),
					slog.String("provider", name),
					slog.String("from", string(from)),
				)
				if cfg.OnStateChange != nil {
					cfg.OnStateChange(name, from, to)
				}
			}
			cb = resilience.NewCircuitBreaker(c)
			breakers[vendor] = cb
		}
		mu.Unlock()
		return WithCircuitBreaker(p, cb)
	}
}

// MetricsMiddleware counts provider calls by vendor and outcome.
func MetricsMiddleware(metrics *telemetry.PipelineMetrics) Middleware {
	return func(vendor string, p llm.Provider) llm.Provider {
		return &wrapped{
			inner: p,
			generate: func(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
				out, err := p.Generate(ctx, messages, opts)
				metrics.RecordProviderCall(ctx, vendor, err == nil)
				return out, err
			},
		}
	}
}
