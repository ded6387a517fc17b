// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package anthropic provides an Anthropic Claude API provider for Fabula.
package anthropic

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jllopis/fabula/pkg/llm"
)

// Name is the vendor selector for Claude.
const Name = "claude"

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// Provider implements llm.Provider for Anthropic Claude API.
type Provider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

type settings struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int64
	timeout    time.Duration
	httpClient *http.Client
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

// WithMaxTokens sets the default maximum tokens for responses.
func WithMaxTokens(tokens int64) Option {
	return func(s *settings) {
		if tokens > 0 {
			s.maxTokens = tokens
		}
	}
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.baseURL = url
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(apiKey string) Option {
	return func(s *settings) {
		s.apiKey = apiKey
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.timeout = d
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		s.httpClient = client
	}
}

// New creates a new Anthropic provider.
// Without WithAPIKey the SDK reads ANTHROPIC_API_KEY.
func New(opts ...Option) *Provider {
	s := settings{
		model:     DefaultModel,
		maxTokens: llm.DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&s)
	}
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if s.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(s.apiKey))
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(s.timeout))
	}
	if s.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	}
	return &Provider{
		client:    anthropic.NewClient(reqOpts...),
		model:     s.model,
		maxTokens: s.maxTokens,
	}
}

// Name implements llm.Named.
func (p *Provider) Name() string { return Name }

// Model returns the configured model.
func (p *Provider) Model() string { return p.model }

// FormatMessages implements llm.Provider.
func (p *Provider) FormatMessages(systemPrompt, userMessage string) []llm.Message {
	return llm.SeparateSystem(systemPrompt, userMessage)
}

// Generate implements llm.Provider. System messages are sent in the
// top-level system field.
func (p *Provider) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	systemPrompt, rest := llm.SplitSystem(messages)

	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:       p.model,
		MaxTokens:   maxTokens,
		Messages:    convertMessages(rest),
		Temperature: anthropic.Float(opts.TemperatureOrDefault()),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if stderrors.As(err, &apiErr) {
			return "", llm.NewProviderError(Name, apiErr.StatusCode, "", err)
		}
		return "", llm.NewProviderError(Name, 0, "", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", llm.EmptyResponseError(Name)
	}
	return text.String(), nil
}

// convertMessages converts Fabula messages to Anthropic format.
func convertMessages(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

var (
	_ llm.Provider = (*Provider)(nil)
	_ llm.Named    = (*Provider)(nil)
)
