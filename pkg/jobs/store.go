// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobs runs pipelines in the background and keeps their status and
// artifacts in a store that pollers can read.
package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/fabula/pkg/errors"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one background pipeline run. Artifacts holds whatever the run
// produced, including the partial output of a failed run.
type Job struct {
	ID        string         `json:"id"`
	Pipeline  string         `json:"pipeline"`
	Status    Status         `json:"status"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (j *Job) clone() *Job {
	out := *j
	if j.Artifacts != nil {
		out.Artifacts = make(map[string]any, len(j.Artifacts))
		for k, v := range j.Artifacts {
			out.Artifacts[k] = v
		}
	}
	return &out
}

// Filter limits List results. Zero fields match everything.
type Filter struct {
	Pipeline string
	Status   Status
	Limit    int
}

// Store persists jobs. Create assigns the ID and the queued status; Update
// overwrites status, artifacts and error of an existing job.
type Store interface {
	Create(ctx context.Context, pipeline string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter Filter) ([]*Job, error)
}

func newJob(pipeline string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Pipeline:  pipeline,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func notFound(id string) error {
	return errors.Newf(errors.CodeNotFound, "job %q not found", id).WithContext("job_id", id)
}

// MemoryStore keeps jobs in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create stores a new queued job.
func (s *MemoryStore) Create(_ context.Context, pipeline string) (*Job, error) {
	job := newJob(pipeline)
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job.clone(), nil
}

// Update replaces the mutable fields of a stored job.
func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	if job == nil {
		return errors.Newf(errors.CodeInvalidInput, "job is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return notFound(job.ID)
	}
	next := job.clone()
	next.Pipeline = stored.Pipeline
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = next
	return nil
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return job.clone(), nil
}

// List returns matching jobs, oldest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Job, error) {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Pipeline != "" && job.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
