// Package ollama talks to a local Ollama server through its /api/chat
// endpoint. It needs no credentials and is meant for offline prompt work.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jllopis/fabula/pkg/llm"
)

const (
	Name           = "ollama"
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.1"

	defaultTimeout = 2 * time.Minute
	maxErrorBody   = 4 << 10
)

type Provider struct {
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
}

type Option func(*Provider)

// WithModel sets the model. Empty keeps the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL sets the server root. Empty keeps the default.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithMaxTokens caps num_predict when a call sets no MaxTokens.
func WithMaxTokens(tokens int) Option {
	return func(p *Provider) { p.maxTokens = tokens }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.client = &http.Client{Timeout: d}
		}
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string  { return Name }
func (p *Provider) Model() string { return p.model }

// FormatMessages keeps the system prompt as its own message.
func (p *Provider) FormatMessages(systemPrompt, userMessage string) []llm.Message {
	return llm.SeparateSystem(systemPrompt, userMessage)
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Message llm.Message `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Generate sends one non-streaming chat request and returns the reply.
func (p *Provider) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	req := chatRequest{
		Model:    p.model,
		Messages: messages,
		Options: chatOptions{
			Temperature: opts.TemperatureOrDefault(),
			NumPredict:  opts.MaxTokens,
		},
	}
	if req.Options.NumPredict == 0 {
		req.Options.NumPredict = p.maxTokens
	}

	var out chatResponse
	if err := p.post(ctx, "/api/chat", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return "", llm.EmptyResponseError(Name)
	}
	return out.Message.Content, nil
}

// post sends body as JSON and decodes a 200 reply into out. Any other status
// becomes a provider error carrying the server's error text.
func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return llm.NewProviderError(Name, 0, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return llm.NewProviderError(Name, 0, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return llm.NewProviderError(Name, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := strings.TrimSpace(string(raw))
		var e chatResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			detail = e.Error
		}
		return llm.NewProviderError(Name, resp.StatusCode, detail, nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.NewProviderError(Name, 0, "decode response", err)
	}
	return nil
}

var (
	_ llm.Provider = (*Provider)(nil)
	_ llm.Named    = (*Provider)(nil)
)
