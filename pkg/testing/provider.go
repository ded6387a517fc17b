// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides test doubles for Fabula providers and pipelines.
package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/jllopis/fabula/pkg/llm"
)

// Call is one recorded Generate invocation.
type Call struct {
	Messages []llm.Message
	Options  llm.GenerateOptions
}

// User returns the content of the last user message of the call.
func (c Call) User() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == llm.RoleUser {
			return c.Messages[i].Content
		}
	}
	return ""
}

// System returns the content of the first system message of the call.
func (c Call) System() string {
	for _, msg := range c.Messages {
		if msg.Role == llm.RoleSystem {
			return msg.Content
		}
	}
	return ""
}

// ScriptedResponse is one queued reply.
type ScriptedResponse struct {
	Content string
	Error   error
}

// SpyProvider is an llm.Provider that records every call and replays scripted
// responses in order. It is safe for concurrent use.
type SpyProvider struct {
	mu           sync.Mutex
	name         string
	collapse     bool
	responses    []ScriptedResponse
	next         int
	calls        []Call
	defaultReply *ScriptedResponse
	onGenerate   func(messages []llm.Message, opts llm.GenerateOptions) (string, error)
}

// NewSpyProvider creates a spy reporting the given vendor name.
func NewSpyProvider(name string) *SpyProvider {
	return &SpyProvider{name: name}
}

// Name implements llm.Named.
func (p *SpyProvider) Name() string { return p.name }

// Collapsing makes FormatMessages fold the system prompt into the user message.
func (p *SpyProvider) Collapsing() *SpyProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collapse = true
	return p
}

// AddResponse queues a successful reply.
func (p *SpyProvider) AddResponse(content string) *SpyProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, ScriptedResponse{Content: content})
	return p
}

// AddErrorResponse queues a failing reply.
func (p *SpyProvider) AddErrorResponse(err error) *SpyProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, ScriptedResponse{Error: err})
	return p
}

// WithDefault sets the reply used once the script is exhausted.
func (p *SpyProvider) WithDefault(content string, err error) *SpyProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultReply = &ScriptedResponse{Content: content, Error: err}
	return p
}

// WithGenerateFunc replaces scripted replies with fn.
func (p *SpyProvider) WithGenerateFunc(fn func(messages []llm.Message, opts llm.GenerateOptions) (string, error)) *SpyProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onGenerate = fn
	return p
}

// FormatMessages implements llm.Provider.
func (p *SpyProvider) FormatMessages(systemPrompt, userMessage string) []llm.Message {
	p.mu.Lock()
	collapse := p.collapse
	p.mu.Unlock()
	if collapse {
		return llm.CollapseSystem(systemPrompt, userMessage)
	}
	return llm.SeparateSystem(systemPrompt, userMessage)
}

// Generate implements llm.Provider.
func (p *SpyProvider) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{
		Messages: append([]llm.Message(nil), messages...),
		Options:  opts,
	})

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.onGenerate != nil {
		return p.onGenerate(messages, opts)
	}
	if p.next >= len(p.responses) {
		if p.defaultReply != nil {
			return p.defaultReply.Content, p.defaultReply.Error
		}
		return "", fmt.Errorf("spy provider %q: no more scripted responses (call %d)", p.name, len(p.calls))
	}
	resp := p.responses[p.next]
	p.next++
	return resp.Content, resp.Error
}

// Calls returns a copy of the recorded calls.
func (p *SpyProvider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallCount returns the number of Generate calls made.
func (p *SpyProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// LastCall returns the most recent call, or false if there was none.
func (p *SpyProvider) LastCall() (Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return Call{}, false
	}
	return p.calls[len(p.calls)-1], true
}

// Reset clears recorded calls and rewinds the script.
func (p *SpyProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 0
	p.calls = nil
}

var (
	_ llm.Provider = (*SpyProvider)(nil)
	_ llm.Named    = (*SpyProvider)(nil)
)
