// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package stages holds the named prompt stages a pipeline can reference and
// the default intake -> creative story pipeline.
package stages

import (
	"embed"
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/fabula/pkg/agent"
	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/llm"
	"github.com/jllopis/fabula/pkg/prompt"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Built-in stage names.
const (
	Intake   = "intake"
	Creative = "creative"
)

// Stage is a reusable agent definition: a system prompt and a user template.
type Stage struct {
	Name         string
	Description  string
	SystemPrompt string
	UserTemplate string
}

// Registry maps stage names to stages. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Default returns a registry holding the intake and creative stages.
func Default() *Registry {
	r := NewRegistry()
	r.mustRegister(Stage{
		Name:         Intake,
		Description:  "parental input to a Markdown creative brief",
		SystemPrompt: mustRead("intake.system.md"),
		UserTemplate: mustRead("intake.md"),
	})
	r.mustRegister(Stage{
		Name:         Creative,
		Description:  "creative brief to three story concepts",
		SystemPrompt: mustRead("creative.system.md"),
		UserTemplate: mustRead("creative.md"),
	})
	return r
}

// Register adds or replaces a stage. The user template is parsed here.
func (r *Registry) Register(s Stage) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.Newf(errors.CodeInvalidInput, "stage name is required")
	}
	if _, err := prompt.Parse(prompt.Dedent(s.UserTemplate)); err != nil {
		return errors.New(errors.CodeInvalidInput, "stage "+s.Name+": user template", err).
			WithContext("stage", s.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[s.Name] = s
	return nil
}

func (r *Registry) mustRegister(s Stage) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns the named stage.
func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// Names returns the registered stage names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory returns an agent factory for the named stage. Non-empty overrides
// replace the stage's system prompt or user template; the resulting template
// is validated before the factory is returned.
func (r *Registry) Factory(name, systemOverride, templateOverride string, opts ...agent.Option) (agent.Factory, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown stage %q", name).
			WithContext("stage", name).
			WithContext("available", r.Names())
	}
	system := s.SystemPrompt
	if systemOverride != "" {
		system = systemOverride
	}
	tmpl := s.UserTemplate
	if templateOverride != "" {
		tmpl = templateOverride
		if _, err := prompt.Parse(prompt.Dedent(tmpl)); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "stage "+name+": user template override", err).
				WithContext("stage", name)
		}
	}
	return func(p llm.Provider) (*agent.Agent, error) {
		return agent.New(s.Name, system, tmpl, p, opts...)
	}, nil
}

func mustRead(file string) string {
	raw, err := promptFS.ReadFile("prompts/" + file)
	if err != nil {
		panic(err)
	}
	return string(raw)
}
