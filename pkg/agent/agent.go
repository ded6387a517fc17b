// Package agent binds a system prompt and a user-message template to one provider.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/llm"
	"github.com/jllopis/fabula/pkg/prompt"
	"github.com/jllopis/fabula/pkg/telemetry"
)

// Keyword arguments read as generation options.
const (
	KwargTemperature = "temperature"
	KwargMaxTokens   = "max_tokens"
)

// Agent is a prompt agent. Apart from its fixed fields it keeps no state across
// calls, so one Agent may be invoked concurrently.
type Agent struct {
	name         string
	systemPrompt string
	template     *prompt.Template
	provider     llm.Provider
	defaults     llm.GenerateOptions
	logger       *slog.Logger
	tracer       trace.Tracer
}

// Factory builds an agent bound to the given provider.
type Factory func(provider llm.Provider) (*Agent, error)

// Option configures an Agent instance.
type Option func(*Agent) error

// New creates an agent. Both prompts are dedented and trimmed, and the user
// template is parsed once here so malformed templates fail at construction.
func New(name, systemPrompt, userTemplate string, provider llm.Provider, opts ...Option) (*Agent, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "agent name is required")
	}
	if provider == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "agent %q: provider is required", name)
	}
	tmpl, err := prompt.Parse(prompt.Dedent(userTemplate))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("agent %q: user template", name), err)
	}
	a := &Agent{
		name:         name,
		systemPrompt: prompt.Dedent(systemPrompt),
		template:     tmpl,
		provider:     provider,
		logger:       slog.Default(),
		tracer:       otel.Tracer("fabula/agent"),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// WithLogger sets the logger used for prompt and call logging.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) error {
		if logger != nil {
			a.logger = logger
		}
		return nil
	}
}

// WithDefaults sets generation options used when kwargs do not override them.
func WithDefaults(opts llm.GenerateOptions) Option {
	return func(a *Agent) error {
		if opts.Temperature < 0 || opts.MaxTokens < 0 {
			return errors.Newf(errors.CodeInvalidInput, "agent %q: generation defaults must not be negative", a.name)
		}
		a.defaults = opts
		return nil
	}
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// SystemPrompt returns the dedented system prompt.
func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// Template returns the parsed user template.
func (a *Agent) Template() *prompt.Template { return a.template }

// Variables returns the placeholder names the user template requires.
func (a *Agent) Variables() []string { return a.template.Variables() }

// Provider returns the bound provider.
func (a *Agent) Provider() llm.Provider { return a.provider }

// Preview formats the prompts without calling the provider.
func (a *Agent) Preview(kwargs map[string]any) (string, string, error) {
	user, err := a.template.Format(kwargs)
	if err != nil {
		return "", "", a.annotate(err)
	}
	return a.systemPrompt, user, nil
}

// Invoke validates kwargs, formats the prompts and returns the provider reply
// verbatim. Missing placeholders fail before any provider call.
func (a *Agent) Invoke(ctx context.Context, kwargs map[string]any) (string, error) {
	ctx, span := a.tracer.Start(ctx, "Agent.Invoke")
	defer span.End()
	span.SetAttributes(telemetry.AgentAttributes(a.name, a.template.Variables())...)

	system, user, err := a.Preview(kwargs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	opts, err := a.generateOptions(kwargs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	messages := a.provider.FormatMessages(system, user)
	vendor := llm.ProviderName(a.provider)
	a.logger.DebugContext(ctx, "agent prompt",
		slog.String("agent", a.name),
		slog.String("provider", vendor),
		slog.String("system", system),
		slog.String("user", user),
	)

	out, err := a.generate(ctx, vendor, messages, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (a *Agent) generate(ctx context.Context, vendor string, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	ctx, span := a.tracer.Start(ctx, "Provider.Generate")
	defer span.End()
	span.SetAttributes(telemetry.GenerateAttributes(vendor, len(messages), opts.TemperatureOrDefault(), opts.MaxTokens)...)

	start := time.Now()
	out, err := a.provider.Generate(ctx, messages, opts)
	elapsed := time.Since(start)
	span.SetAttributes(telemetry.GenerateResultAttributes(elapsed, out)...)
	if err != nil {
		if errors.CodeOf(err) == "" {
			err = llm.NewProviderError(vendor, 0, "", err)
		}
		err = a.annotate(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.ErrorContext(ctx, "agent generate failed",
			slog.String("agent", a.name),
			slog.String("provider", vendor),
			slog.Any("error", err),
		)
		return "", err
	}
	a.logger.DebugContext(ctx, "agent generate completed",
		slog.String("agent", a.name),
		slog.String("provider", vendor),
		slog.Duration("elapsed", elapsed),
		slog.Int("output_length", len(out)),
	)
	return out, nil
}

func (a *Agent) annotate(err error) error {
	if fe := errors.AsFabulaError(err); fe != nil && fe.Code != errors.CodeInternal {
		fe.WithContext("agent", a.name)
	}
	return err
}

func (a *Agent) generateOptions(kwargs map[string]any) (llm.GenerateOptions, error) {
	opts := a.defaults
	if raw, ok := kwargs[KwargTemperature]; ok && raw != nil {
		v, err := toFloat(raw)
		if err != nil || v < 0 {
			return opts, errors.Newf(errors.CodeInvalidInput, "agent %q: invalid %s %v", a.name, KwargTemperature, raw).
				WithContext("agent", a.name)
		}
		opts = opts.WithTemperature(v)
	}
	if raw, ok := kwargs[KwargMaxTokens]; ok && raw != nil {
		v, err := toFloat(raw)
		if err != nil || v < 0 || v != float64(int(v)) {
			return opts, errors.Newf(errors.CodeInvalidInput, "agent %q: invalid %s %v", a.name, KwargMaxTokens, raw).
				WithContext("agent", a.name)
		}
		opts.MaxTokens = int(v)
	}
	return opts, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
