package orchestrator

import (
	"github.com/jllopis/fabula/pkg/agent"
	"github.com/jllopis/fabula/providers"
)

// Status is the lifecycle state of a node within one run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ProviderSpec selects the vendor adapter a node runs against.
type ProviderSpec struct {
	Vendor string           `json:"vendor" yaml:"vendor"`
	Config providers.Config `json:"config" yaml:"config"`
}

// TaskNode is one named step of a pipeline. Result, Status and Err are written
// by the orchestrator during a run and reset at the start of the next one.
type TaskNode struct {
	Name      string
	Agent     agent.Factory
	Provider  ProviderSpec
	DependsOn []string
	Kwargs    map[string]any

	Result any
	Status Status
	Err    error
}

// Artifacts maps node names, or externally injected names, to outputs.
type Artifacts map[string]any

// Clone returns a shallow copy.
func (a Artifacts) Clone() Artifacts {
	out := make(Artifacts, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// String returns the artifact as text, or "" if absent or not a string.
func (a Artifacts) String(name string) string {
	s, _ := a[name].(string)
	return s
}
