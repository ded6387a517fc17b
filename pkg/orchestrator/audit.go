package orchestrator

import (
	"context"
	"sync"
	"time"
)

// AuditEvent is one node lifecycle transition within a run: a running event
// when the node starts, then a completed or failed one.
type AuditEvent struct {
	RunID      string    `json:"run_id"`
	Pipeline   string    `json:"pipeline"`
	Node       string    `json:"node"`
	Vendor     string    `json:"vendor,omitempty"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Elapsed is the node's wall time, zero until it finished.
func (e AuditEvent) Elapsed() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// AuditStore persists node lifecycle events.
type AuditStore interface {
	Record(ctx context.Context, event AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// AuditFilter limits audit queries. Zero fields match everything.
type AuditFilter struct {
	RunID    string
	Pipeline string
	Node     string
	Status   string
	// Since keeps events that started at or after it.
	Since time.Time
	Limit int
}

func (f AuditFilter) matches(ev AuditEvent) bool {
	switch {
	case f.RunID != "" && ev.RunID != f.RunID:
		return false
	case f.Pipeline != "" && ev.Pipeline != f.Pipeline:
		return false
	case f.Node != "" && ev.Node != f.Node:
		return false
	case f.Status != "" && ev.Status != f.Status:
		return false
	case !f.Since.IsZero() && ev.StartedAt.Before(f.Since):
		return false
	}
	return true
}

// MemoryAuditStore keeps events in memory, in recording order.
type MemoryAuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Record(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, ev := range s.events {
		if !filter.matches(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
