// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/telemetry"
)

// RunFunc executes one pipeline run and returns its artifacts. On failure the
// returned artifacts are kept alongside the error.
type RunFunc func(ctx context.Context) (map[string]any, error)

// Runner executes submitted runs in background goroutines, at most
// concurrency at a time, and records their lifecycle in a Store.
type Runner struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
	sem    chan struct{}

	mu      sync.Mutex
	closed  bool
	pending map[string]chan struct{}
	wg      sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithConcurrency bounds the number of jobs running at once. Values below one
// are treated as one.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n < 1 {
			n = 1
		}
		r.sem = make(chan struct{}, n)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner over store. A nil store uses a MemoryStore.
func NewRunner(store Store, opts ...RunnerOption) *Runner {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Runner{
		store:   store,
		logger:  slog.Default(),
		tracer:  otel.Tracer("fabula/jobs"),
		sem:     make(chan struct{}, 4),
		pending: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the backing store.
func (r *Runner) Store() Store { return r.store }

// Submit records a queued job and starts run in the background. The run keeps
// the values of ctx but not its cancellation, so it outlives the submitting
// request.
func (r *Runner) Submit(ctx context.Context, pipeline string, run RunFunc) (*Job, error) {
	if run == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "run function is required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.Newf(errors.CodeInvalidInput, "job runner is closed")
	}
	job, err := r.store.Create(ctx, pipeline)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	done := make(chan struct{})
	r.pending[job.ID] = done
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "job queued", slog.String("job_id", job.ID), slog.String("pipeline", pipeline))
	go r.execute(context.WithoutCancel(ctx), job.clone(), run, done)
	return job, nil
}

func (r *Runner) execute(ctx context.Context, job *Job, run RunFunc, done chan struct{}) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.pending, job.ID)
		r.mu.Unlock()
		close(done)
	}()

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	ctx, span := r.tracer.Start(ctx, "Job.Run")
	defer span.End()
	logger := r.logger.With(slog.String("job_id", job.ID), slog.String("pipeline", job.Pipeline))

	job.Status = StatusRunning
	r.save(ctx, logger, job)
	logger.InfoContext(ctx, "job started")

	artifacts, err := r.safeRun(ctx, run)
	job.Artifacts = artifacts
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "job failed", slog.Any("error", err))
	} else {
		job.Status = StatusCompleted
		span.SetStatus(codes.Ok, "")
		logger.InfoContext(ctx, "job completed", slog.Int("artifacts", len(artifacts)))
	}
	span.SetAttributes(telemetry.JobAttributes(job.ID, string(job.Status))...)
	r.save(ctx, logger, job)
}

func (r *Runner) safeRun(ctx context.Context, run RunFunc) (artifacts map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf(errors.CodeInternal, "job panicked: %v", p)
		}
	}()
	return run(ctx)
}

func (r *Runner) save(ctx context.Context, logger *slog.Logger, job *Job) {
	if err := r.store.Update(ctx, job); err != nil {
		logger.ErrorContext(ctx, "job store update failed",
			slog.String("status", string(job.Status)),
			slog.Any("error", err),
		)
	}
}

// Get returns the current state of a job.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	done, running := r.pending[id]
	r.mu.Unlock()
	if running {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, errors.New(errors.CodeContextLost, "wait for job "+id, ctx.Err()).
				WithContext("job_id", id)
		}
	}
	return r.store.Get(ctx, id)
}

// Close stops accepting jobs and waits for the ones in flight.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}
