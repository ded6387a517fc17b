// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package openai provides providers for the OpenAI chat completions API and
// the OpenAI-compatible Grok (xAI) and Together endpoints.
package openai

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/jllopis/fabula/pkg/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Vendor names and endpoints.
const (
	NameOpenAI   = "openai"
	NameGrok     = "grok"
	NameTogether = "together"

	GrokBaseURL     = "https://api.x.ai/v1/"
	TogetherBaseURL = "https://api.together.xyz/v1/"

	DefaultModel         = "gpt-4o"
	DefaultGrokModel     = "grok-3"
	DefaultTogetherModel = "deepseek-ai/DeepSeek-R1"
)

// Provider implements llm.Provider for OpenAI-compatible chat completions.
type Provider struct {
	client    openai.Client
	name      string
	model     string
	maxTokens int
	collapse  bool
}

type settings struct {
	name       string
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	timeout    time.Duration
	collapse   bool
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

// WithAPIKey sets the API key.
func WithAPIKey(apiKey string) Option {
	return func(s *settings) {
		s.apiKey = apiKey
	}
}

// WithBaseURL sets a custom base URL (for compatible vendors or proxies).
func WithBaseURL(url string) Option {
	return func(s *settings) {
		if url != "" {
			s.baseURL = url
		}
	}
}

// WithMaxTokens sets the default completion limit used when a call does not set one.
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

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		s.httpClient = client
	}
}

// WithCollapsedSystem makes FormatMessages fold the system prompt into the user message.
func WithCollapsedSystem() Option {
	return func(s *settings) {
		s.collapse = true
	}
}

// New creates an OpenAI provider.
// Without WithAPIKey the SDK reads OPENAI_API_KEY.
func New(opts ...Option) *Provider {
	return build(settings{name: NameOpenAI, model: DefaultModel}, opts)
}

// NewGrok creates a provider for the xAI Grok endpoint.
func NewGrok(opts ...Option) *Provider {
	return build(settings{name: NameGrok, model: DefaultGrokModel, baseURL: GrokBaseURL}, opts)
}

// NewTogether creates a provider for the Together endpoint. Together-hosted
// reasoning models receive a single user message.
func NewTogether(opts ...Option) *Provider {
	return build(settings{name: NameTogether, model: DefaultTogetherModel, baseURL: TogetherBaseURL, collapse: true}, opts)
}

func build(s settings, opts []Option) *Provider {
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
		client:    openai.NewClient(reqOpts...),
		name:      s.name,
		model:     s.model,
		maxTokens: s.maxTokens,
		collapse:  s.collapse,
	}
}

// Name implements llm.Named.
func (p *Provider) Name() string { return p.name }

// Model returns the configured model.
func (p *Provider) Model() string { return p.model }

// FormatMessages implements llm.Provider.
func (p *Provider) FormatMessages(systemPrompt, userMessage string) []llm.Message {
	if p.collapse {
		return llm.CollapseSystem(systemPrompt, userMessage)
	}
	return llm.SeparateSystem(systemPrompt, userMessage)
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       p.model,
		Messages:    convertMessages(messages),
		Temperature: openai.Float(opts.TemperatureOrDefault()),
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", p.convertError(err)
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return "", llm.EmptyResponseError(p.name)
	}
	return completion.Choices[0].Message.Content, nil
}

func (p *Provider) convertError(err error) error {
	var apiErr *openai.Error
	if stderrors.As(err, &apiErr) {
		return llm.NewProviderError(p.name, apiErr.StatusCode, apiErr.Message, err)
	}
	return llm.NewProviderError(p.name, 0, "", err)
}

// convertMessages converts Fabula messages to OpenAI format.
func convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

var (
	_ llm.Provider = (*Provider)(nil)
	_ llm.Named    = (*Provider)(nil)
)
