// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package providers maps vendor selectors to provider constructors.
package providers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/llm"
	"github.com/jllopis/fabula/providers/anthropic"
	"github.com/jllopis/fabula/providers/gemini"
	"github.com/jllopis/fabula/providers/ollama"
	"github.com/jllopis/fabula/providers/openai"
)

// Config carries the per-vendor settings a constructor needs. Empty fields
// fall back to the registry defaults for that vendor, then to the adapter's own.
type Config struct {
	Model     string        `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey    string        `json:"-" yaml:"-"`
	BaseURL   string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// merge fills empty fields of c from base.
func (c Config) merge(base Config) Config {
	if c.Model == "" {
		c.Model = base.Model
	}
	if c.APIKey == "" {
		c.APIKey = base.APIKey
	}
	if c.BaseURL == "" {
		c.BaseURL = base.BaseURL
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = base.MaxTokens
	}
	if c.Timeout == 0 {
		c.Timeout = base.Timeout
	}
	return c
}

// Constructor builds a provider from its configuration.
type Constructor func(ctx context.Context, cfg Config) (llm.Provider, error)

// Middleware decorates every provider the registry builds.
type Middleware func(vendor string, p llm.Provider) llm.Provider

// Registry maps vendor names to constructors. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	ctors       map[string]Constructor
	defaults    map[string]Config
	middlewares []Middleware
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctors:    make(map[string]Constructor),
		defaults: make(map[string]Config),
	}
}

// Default returns a registry with every built-in vendor registered:
// openai, claude, grok, together, gemini and ollama.
func Default() *Registry {
	r := NewRegistry()
	r.Register(openai.NameOpenAI, newOpenAI(openai.New))
	r.Register(openai.NameGrok, newOpenAI(openai.NewGrok))
	r.Register(openai.NameTogether, newOpenAI(openai.NewTogether))
	r.Register(anthropic.Name, newAnthropic)
	r.Register(gemini.Name, newGemini)
	r.Register(ollama.Name, newOllama)
	return r
}

// Register binds a vendor name to a constructor, replacing any previous entry.
func (r *Registry) Register(vendor string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[normalize(vendor)] = ctor
}

// SetDefaults stores the base configuration (credentials, model) of a vendor.
func (r *Registry) SetDefaults(vendor string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[normalize(vendor)] = cfg
}

// Use appends middlewares applied, in order, to every provider built.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw...)
}

// Has reports whether vendor is registered.
func (r *Registry) Has(vendor string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[normalize(vendor)]
	return ok
}

// Names returns the registered vendor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a fresh provider for vendor. Unknown vendors fail with
// UNKNOWN_PROVIDER before any other work is done.
func (r *Registry) New(ctx context.Context, vendor string, cfg Config) (llm.Provider, error) {
	key := normalize(vendor)
	r.mu.RLock()
	ctor, ok := r.ctors[key]
	base := r.defaults[key]
	middlewares := append([]Middleware(nil), r.middlewares...)
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.CodeUnknownProvider, "unknown provider %q", vendor).
			WithContext("provider", vendor).
			WithContext("available", r.Names())
	}
	p, err := ctor(ctx, cfg.merge(base))
	if err != nil {
		if errors.CodeOf(err) == "" {
			return nil, errors.New(errors.CodeInvalidInput, "provider "+key+" configuration", err).
				WithContext("provider", key)
		}
		return nil, err
	}
	for _, mw := range middlewares {
		p = mw(key, p)
	}
	return p, nil
}

func normalize(vendor string) string {
	return strings.ToLower(strings.TrimSpace(vendor))
}

func newOpenAI(build func(...openai.Option) *openai.Provider) Constructor {
	return func(ctx context.Context, cfg Config) (llm.Provider, error) {
		return build(
			openai.WithAPIKey(cfg.APIKey),
			openai.WithModel(cfg.Model),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithMaxTokens(cfg.MaxTokens),
			openai.WithTimeout(cfg.Timeout),
		), nil
	}
}

func newAnthropic(ctx context.Context, cfg Config) (llm.Provider, error) {
	opts := []anthropic.Option{
		anthropic.WithAPIKey(cfg.APIKey),
		anthropic.WithModel(cfg.Model),
		anthropic.WithMaxTokens(int64(cfg.MaxTokens)),
		anthropic.WithTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return anthropic.New(opts...), nil
}

func newGemini(ctx context.Context, cfg Config) (llm.Provider, error) {
	return gemini.New(ctx,
		gemini.WithAPIKey(cfg.APIKey),
		gemini.WithModel(cfg.Model),
		gemini.WithBaseURL(cfg.BaseURL),
		gemini.WithMaxTokens(cfg.MaxTokens),
		gemini.WithTimeout(cfg.Timeout),
	)
}

func newOllama(ctx context.Context, cfg Config) (llm.Provider, error) {
	return ollama.New(
		ollama.WithModel(cfg.Model),
		ollama.WithBaseURL(cfg.BaseURL),
		ollama.WithMaxTokens(cfg.MaxTokens),
		ollama.WithTimeout(cfg.Timeout),
	), nil
}
