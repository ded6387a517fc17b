// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini provides a Google Gemini API provider for Fabula.
package gemini

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jllopis/fabula/pkg/llm"
	"google.golang.org/genai"
)

// Name is the vendor selector for Gemini.
const Name = "gemini"

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// Provider implements llm.Provider for Google Gemini API.
type Provider struct {
	client    *genai.Client
	model     string
	maxTokens int
}

type settings struct {
	model     string
	apiKey    string
	baseURL   string
	maxTokens int
	timeout   time.Duration
}

// Option configures the Provider.
type Option func(*settings)

// WithModel sets the model.
func WithModel(model string) Option {
	return func(s *settings) {
		if model != "" {
			s.model = model
		}
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(apiKey string) Option {
	return func(s *settings) {
		s.apiKey = apiKey
	}
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.baseURL = url
	}
}

// WithMaxTokens sets the default output token limit.
func WithMaxTokens(tokens int) Option {
	return func(s *settings) {
		s.maxTokens = tokens
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.timeout = d
	}
}

// New creates a new Gemini provider.
// Without WithAPIKey the SDK reads GOOGLE_API_KEY or GEMINI_API_KEY.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	s := settings{model: DefaultModel}
	for _, opt := range opts {
		opt(&s)
	}
	cfg := &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.baseURL}
	}
	if s.timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: s.timeout}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Provider{
		client:    client,
		model:     s.model,
		maxTokens: s.maxTokens,
	}, nil
}

// Name implements llm.Named.
func (p *Provider) Name() string { return Name }

// Model returns the configured model.
func (p *Provider) Model() string { return p.model }

// FormatMessages implements llm.Provider.
func (p *Provider) FormatMessages(systemPrompt, userMessage string) []llm.Message {
	return llm.SeparateSystem(systemPrompt, userMessage)
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	contents, systemInstruction := convertMessages(messages)

	temp := float32(opts.TemperatureOrDefault())
	config := &genai.GenerateContentConfig{Temperature: &temp}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return "", convertError(err)
	}
	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return "", llm.EmptyResponseError(Name)
	}
	return text, nil
}

func convertError(err error) error {
	var apiErr genai.APIError
	if stderrors.As(err, &apiErr) {
		return llm.NewProviderError(Name, apiErr.Code, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if stderrors.As(err, &apiErrPtr) {
		return llm.NewProviderError(Name, apiErrPtr.Code, apiErrPtr.Message, err)
	}
	return llm.NewProviderError(Name, 0, "", err)
}

// convertMessages converts Fabula messages to Gemini contents plus a system instruction.
func convertMessages(messages []llm.Message) ([]*genai.Content, string) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return contents, strings.Join(system, "\n\n")
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

var (
	_ llm.Provider = (*Provider)(nil)
	_ llm.Named    = (*Provider)(nil)
)
