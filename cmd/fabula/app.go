// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/jllopis/fabula/pkg/config"
	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/jobs"
	"github.com/jllopis/fabula/pkg/resilience"
	"github.com/jllopis/fabula/pkg/stages"
	"github.com/jllopis/fabula/pkg/telemetry"
	"github.com/jllopis/fabula/providers"
)

const version = "0.1.0"

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *providers.Registry
	stages     *stages.Registry
	metrics    *telemetry.PipelineMetrics
	errMetrics *telemetry.ErrorMetrics
	closers    []func(context.Context) error
}

// newApp loads configuration and wires logging, telemetry and the provider
// registry. Logs go to logOut so stdout stays reserved for results.
func newApp(global *globalOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.LoadWithCLI(global.configArgs())
	if err != nil {
		return nil, err
	}
	logger := telemetry.ConfigureSlog(logOut, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, telemetry.Config{
		Exporter:           cfg.Telemetry.Exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
		Output:             logOut,
	})
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "telemetry init", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		stages:  stages.Default(),
		closers: []func(context.Context) error{shutdown},
	}
	if a.metrics, err = telemetry.NewPipelineMetrics(); err != nil {
		logger.Warn("pipeline metrics disabled", slog.Any("error", err))
	}
	if a.errMetrics, err = telemetry.NewErrorMetrics(context.Background()); err != nil {
		logger.Warn("error metrics disabled", slog.Any("error", err))
	}
	a.registry = newRegistry(cfg, logger, a.metrics)
	return a, nil
}

// newRegistry returns the built-in vendors seeded with configured credentials
// and wrapped in retry, circuit breaking and call metrics.
func newRegistry(cfg *config.Config, logger *slog.Logger, metrics *telemetry.PipelineMetrics) *providers.Registry {
	reg := providers.Default()
	for vendor, pc := range cfg.Providers {
		reg.SetDefaults(vendor, providers.Config{
			Model:     pc.Model,
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			MaxTokens: pc.MaxTokens,
			Timeout:   pc.Timeout,
		})
	}

	oc := cfg.Orchestrator
	if oc.BreakerThreshold > 0 {
		reg.Use(providers.BreakerMiddleware(resilience.CircuitBreakerConfig{
			FailureThreshold: oc.BreakerThreshold,
			SuccessThreshold: 1,
			Timeout:          oc.BreakerCooldown,
		}, logger))
	}
	if oc.RetryAttempts > 1 {
		retry := resilience.DefaultRetryConfig().
			WithMaxAttempts(oc.RetryAttempts).
			WithIsRecoverable(resilience.IsRecoverable)
		if oc.RetryDelay > 0 {
			retry = retry.WithInitialDelay(oc.RetryDelay)
		}
		reg.Use(providers.RetryMiddleware(retry, logger, metrics))
	}
	if metrics != nil {
		reg.Use(providers.MetricsMiddleware(metrics))
	}
	return reg
}

// jobStore opens the configured job store. The returned store must be closed
// through the app closers.
func (a *app) jobStore() (jobs.Store, error) {
	switch a.cfg.Store.Driver {
	case "", "memory":
		return jobs.NewMemoryStore(), nil
	case "sqlite":
		db, err := sql.Open("sqlite", a.cfg.Store.DSN)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "open job store", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		store, err := jobs.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown store driver %q", a.cfg.Store.Driver).
			WithContext("driver", a.cfg.Store.Driver)
	}
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", slog.Any("error", err))
		}
	}
}

// withApp builds the app for one command invocation and releases it after.
func withApp(global *globalOptions, fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(global, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(cmd.Context()))
		return fn(cmd, args, a)
	}
}
