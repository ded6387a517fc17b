// Package llm defines the vendor-neutral chat model contract used by agents.
package llm

import (
	"context"
	"strings"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single unit of communication.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Defaults applied by adapters when options are left at zero.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
)

// GenerateOptions tunes a single generation. A zero MaxTokens means vendor
// default. Temperature applies when non-zero or when TemperatureSet is true,
// so an explicit 0 requests greedy decoding.
type GenerateOptions struct {
	Temperature    float64 `json:"temperature,omitempty"`
	TemperatureSet bool    `json:"-"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
}

// WithTemperature returns a copy of o with t marked as explicitly requested.
func (o GenerateOptions) WithTemperature(t float64) GenerateOptions {
	o.Temperature = t
	o.TemperatureSet = true
	return o
}

// TemperatureOrDefault returns the requested temperature, or
// DefaultTemperature when none was requested.
func (o GenerateOptions) TemperatureOrDefault() float64 {
	if o.TemperatureSet || o.Temperature != 0 {
		return o.Temperature
	}
	return DefaultTemperature
}

// Provider adapts one vendor chat-completion API.
//
// Implementations must not keep mutable state across calls; one instance may be
// shared by several agents and called concurrently.
type Provider interface {
	// FormatMessages shapes a system prompt and a user message for the vendor.
	FormatMessages(systemPrompt, userMessage string) []Message
	// Generate sends the messages and returns the reply text.
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)
}

// Named is implemented by providers that report their vendor name.
type Named interface {
	Name() string
}

// ProviderName returns the vendor name of p, or "unknown".
func ProviderName(p Provider) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return "unknown"
}

// SeparateSystem keeps the system prompt as its own message.
func SeparateSystem(systemPrompt, userMessage string) []Message {
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return append(messages, Message{Role: RoleUser, Content: userMessage})
}

// CollapseSystem folds the system prompt into a single user message, for models
// that ignore or reject system messages.
func CollapseSystem(systemPrompt, userMessage string) []Message {
	content := userMessage
	if strings.TrimSpace(systemPrompt) != "" {
		content = systemPrompt + "\n\n" + userMessage
	}
	return []Message{{Role: RoleUser, Content: content}}
}

// SplitSystem separates system messages from the rest of the conversation.
// Multiple system messages are joined with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}
