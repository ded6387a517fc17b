package pipeline

import (
	"github.com/jllopis/fabula/pkg/agent"
	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/orchestrator"
	"github.com/jllopis/fabula/pkg/stages"
)

// BuildOption configures Build.
type BuildOption func(*buildConfig)

type buildConfig struct {
	agentOpts []agent.Option
	orchOpts  []orchestrator.Option
}

// WithAgentOptions applies opts to every agent the pipeline builds.
func WithAgentOptions(opts ...agent.Option) BuildOption {
	return func(c *buildConfig) { c.agentOpts = append(c.agentOpts, opts...) }
}

// WithOrchestratorOptions applies opts after the ones derived from the
// definition, so they take precedence.
func WithOrchestratorOptions(opts ...orchestrator.Option) BuildOption {
	return func(c *buildConfig) { c.orchOpts = append(c.orchOpts, opts...) }
}

// Nodes resolves every node's stage into task nodes. Stage lookups and template
// overrides are checked here; vendors are resolved by the orchestrator at run time.
func Nodes(def *Definition, st *stages.Registry, agentOpts ...agent.Option) ([]*orchestrator.TaskNode, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		st = stages.Default()
	}
	nodes := make([]*orchestrator.TaskNode, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		factory, err := st.Factory(n.Stage, n.SystemPrompt, n.UserTemplate, agentOpts...)
		if err != nil {
			return nil, errors.AsFabulaError(err).WithContext("node", n.Name)
		}
		cfg, err := n.Provider.Config()
		if err != nil {
			return nil, err
		}
		var kwargs map[string]any
		if len(n.Kwargs) > 0 {
			kwargs = make(map[string]any, len(n.Kwargs))
			for k, v := range n.Kwargs {
				kwargs[k] = v
			}
		}
		nodes = append(nodes, &orchestrator.TaskNode{
			Name:      n.Name,
			Agent:     factory,
			Provider:  orchestrator.ProviderSpec{Vendor: n.Provider.Vendor, Config: cfg},
			DependsOn: append([]string(nil), n.DependsOn...),
			Kwargs:    kwargs,
		})
	}
	return nodes, nil
}

// Build turns a definition into a ready orchestrator.
func Build(def *Definition, st *stages.Registry, factory orchestrator.ProviderFactory, opts ...BuildOption) (*orchestrator.Orchestrator, error) {
	var cfg buildConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	nodes, err := Nodes(def, st, cfg.agentOpts...)
	if err != nil {
		return nil, err
	}

	id := def.ID
	if id == "" {
		id = "pipeline"
	}
	orchOpts := []orchestrator.Option{orchestrator.WithID(id)}
	if def.Topological {
		orchOpts = append(orchOpts, orchestrator.WithTopologicalOrder())
	}
	if t := def.TimeoutDuration(); t > 0 {
		orchOpts = append(orchOpts, orchestrator.WithTimeout(t))
	}
	orchOpts = append(orchOpts, cfg.orchOpts...)
	return orchestrator.New(factory, nodes, orchOpts...)
}
