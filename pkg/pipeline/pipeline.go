// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline describes task graphs in YAML or JSON and builds them into
// orchestrators.
package pipeline

import (
	"strings"
	"time"

	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/providers"
)

// Definition is a declarative pipeline. Topological runs nodes in dependency
// order instead of declaration order.
type Definition struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Topological bool   `json:"topological,omitempty" yaml:"topological,omitempty"`
	Timeout     string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes"`
}

// Node declares one task node. SystemPrompt and UserTemplate, when set,
// replace the stage defaults.
type Node struct {
	Name         string         `json:"name" yaml:"name"`
	Stage        string         `json:"stage" yaml:"stage"`
	Provider     Provider       `json:"provider" yaml:"provider"`
	DependsOn    []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	UserTemplate string         `json:"user_template,omitempty" yaml:"user_template,omitempty"`
}

// Provider selects a vendor and optional per-node overrides. Credentials are
// never read from pipeline files.
type Provider struct {
	Vendor    string `json:"vendor" yaml:"vendor"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Config converts the selector into registry configuration.
func (p Provider) Config() (providers.Config, error) {
	cfg := providers.Config{
		Model:     p.Model,
		BaseURL:   p.BaseURL,
		MaxTokens: p.MaxTokens,
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return cfg, errors.New(errors.CodeInvalidInput, "provider timeout "+p.Timeout, err)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}

// Validate checks structure: a non-empty node list, unique names, a stage and
// vendor on every node, parseable durations. Dependencies may name artifacts
// outside the graph, which are expected to be seeded at run time.
func (d *Definition) Validate() error {
	if d == nil {
		return errors.Newf(errors.CodeInvalidInput, "pipeline is nil")
	}
	if len(d.Nodes) == 0 {
		return errors.Newf(errors.CodeInvalidInput, "pipeline %q has no nodes", d.ID)
	}
	if d.Timeout != "" {
		if _, err := time.ParseDuration(d.Timeout); err != nil {
			return errors.New(errors.CodeInvalidInput, "pipeline timeout "+d.Timeout, err)
		}
	}
	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		name := strings.TrimSpace(n.Name)
		if name == "" {
			return errors.Newf(errors.CodeInvalidInput, "node %d: name is required", i)
		}
		if seen[name] {
			return errors.Newf(errors.CodeInvalidInput, "duplicate node %q", name).WithContext("node", name)
		}
		seen[name] = true
		if n.Stage == "" {
			return errors.Newf(errors.CodeInvalidInput, "node %q missing stage", name).WithContext("node", name)
		}
		if strings.TrimSpace(n.Provider.Vendor) == "" {
			return errors.Newf(errors.CodeInvalidInput, "node %q missing provider vendor", name).WithContext("node", name)
		}
		if _, err := n.Provider.Config(); err != nil {
			return errors.AsFabulaError(err).WithContext("node", name)
		}
		for _, dep := range n.DependsOn {
			if dep == name {
				return errors.Newf(errors.CodeInvalidInput, "node %q depends on itself", name).WithContext("node", name)
			}
		}
	}
	return nil
}

// TimeoutDuration returns the parsed run timeout, zero if unset.
func (d *Definition) TimeoutDuration() time.Duration {
	if d.Timeout == "" {
		return 0
	}
	t, _ := time.ParseDuration(d.Timeout)
	return t
}

// Node returns the node with the given name.
func (d *Definition) Node(name string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Name == name {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// External returns the dependency names no node in the graph produces,
// in first-seen order. A run needs them seeded.
func (d *Definition) External() []string {
	produced := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		produced[n.Name] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if produced[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}

// Default returns the story pipeline: intake turns the seeded parental_input
// into a creative brief on OpenAI, and creative turns the brief into story
// concepts on Together.
func Default() *Definition {
	return &Definition{
		ID:          "story",
		Description: "parental input to creative brief to story concepts",
		Nodes: []Node{
			{
				Name:      "intake",
				Stage:     "intake",
				Provider:  Provider{Vendor: "openai", Model: "gpt-4"},
				DependsOn: []string{"parental_input"},
			},
			{
				Name:      "creative",
				Stage:     "creative",
				Provider:  Provider{Vendor: "together", Model: "deepseek-ai/DeepSeek-R1"},
				DependsOn: []string{"intake"},
			},
		},
	}
}
