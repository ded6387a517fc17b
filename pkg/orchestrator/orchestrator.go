// Package orchestrator runs a graph of task nodes, threading each node's
// output into the nodes that depend on it.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/llm"
	"github.com/jllopis/fabula/pkg/resilience"
	"github.com/jllopis/fabula/pkg/telemetry"
	"github.com/jllopis/fabula/providers"
)

// ProviderFactory builds a fresh provider for a vendor selector.
// *providers.Registry implements it.
type ProviderFactory interface {
	New(ctx context.Context, vendor string, cfg providers.Config) (llm.Provider, error)
}

// Orchestrator owns an ordered set of nodes. Runs on one Orchestrator are
// serialized because they write node results.
type Orchestrator struct {
	id          string
	nodes       []*TaskNode
	index       map[string]*TaskNode
	providers   ProviderFactory
	topological bool
	timeout     time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	audit       AuditStore
	metrics     *telemetry.PipelineMetrics
	errMetrics  *telemetry.ErrorMetrics

	runMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithID names the pipeline in logs, spans and audit events.
func WithID(id string) Option {
	return func(o *Orchestrator) { o.id = id }
}

// WithTopologicalOrder executes nodes in dependency order instead of
// declaration order and rejects cyclic graphs before running anything.
// Dependencies that name no node in the graph do not constrain the order.
func WithTopologicalOrder() Option {
	return func(o *Orchestrator) { o.topological = true }
}

// WithTimeout bounds a whole run.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditStore records node lifecycle events.
func WithAuditStore(store AuditStore) Option {
	return func(o *Orchestrator) { o.audit = store }
}

// WithMetrics records run outcomes and node durations.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithErrorMetrics counts node failures by error code.
func WithErrorMetrics(metrics *telemetry.ErrorMetrics) Option {
	return func(o *Orchestrator) { o.errMetrics = metrics }
}

// New creates an orchestrator over nodes, kept in declaration order.
func New(factory ProviderFactory, nodes []*TaskNode, opts ...Option) (*Orchestrator, error) {
	if factory == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "provider factory is required")
	}
	o := &Orchestrator{
		id:        "pipeline",
		index:     make(map[string]*TaskNode, len(nodes)),
		providers: factory,
		logger:    slog.Default(),
		tracer:    otel.Tracer("fabula/orchestrator"),
	}
	for i, node := range nodes {
		if node == nil {
			return nil, errors.Newf(errors.CodeInvalidInput, "node %d is nil", i)
		}
		if strings.TrimSpace(node.Name) == "" {
			return nil, errors.Newf(errors.CodeInvalidInput, "node %d has no name", i)
		}
		if _, dup := o.index[node.Name]; dup {
			return nil, errors.Newf(errors.CodeInvalidInput, "duplicate node name %q", node.Name).
				WithContext("node", node.Name)
		}
		if node.Agent == nil {
			return nil, errors.Newf(errors.CodeInvalidInput, "node %q has no agent factory", node.Name).
				WithContext("node", node.Name)
		}
		node.Status = StatusPending
		o.index[node.Name] = node
		o.nodes = append(o.nodes, node)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ID returns the pipeline identifier.
func (o *Orchestrator) ID() string { return o.id }

// Nodes returns the nodes in declaration order.
func (o *Orchestrator) Nodes() []*TaskNode {
	return append([]*TaskNode(nil), o.nodes...)
}

// Node returns the node with the given name.
func (o *Orchestrator) Node(name string) (*TaskNode, bool) {
	n, ok := o.index[name]
	return n, ok
}

// Order returns the execution order for the configured ordering mode.
func (o *Orchestrator) Order() ([]*TaskNode, error) {
	if !o.topological {
		return o.Nodes(), nil
	}
	return topologicalOrder(o.nodes, o.index)
}

// Run executes every node once, in order, and returns the artifact map: the
// initial entries plus every completed node's output. On failure the run stops
// and the artifacts gathered so far are returned with the error.
func (o *Orchestrator) Run(ctx context.Context, initial Artifacts) (Artifacts, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	runID := uuid.NewString()
	artifacts := initial.Clone()
	for _, node := range o.nodes {
		node.Result = nil
		node.Err = nil
		node.Status = StatusPending
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.Run",
		trace.WithAttributes(telemetry.RunAttributes(runID, o.id, len(o.nodes), o.topological)...),
	)
	defer span.End()

	logger := o.logger.With(slog.String("pipeline", o.id), slog.String("run_id", runID))
	logger.InfoContext(ctx, "run started", slog.Int("nodes", len(o.nodes)), slog.Int("seeded", len(artifacts)))

	order, err := o.Order()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "run rejected", slog.Any("error", err))
		o.metrics.RecordRun(ctx, o.id, string(StatusFailed))
		return artifacts, err
	}

	err = resilience.WithTimeout(ctx, o.timeout, func(ctx context.Context) error {
		for _, node := range order {
			if err := ctx.Err(); err != nil {
				return errors.New(errors.CodeContextLost, "run canceled before node "+node.Name, err).
					WithContext("node", node.Name)
			}
			if err := o.runNode(ctx, logger, runID, node, artifacts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.errMetrics.RecordErrorMetric(ctx, err, "orchestrator")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "run failed", slog.Any("error", err))
		o.metrics.RecordRun(ctx, o.id, string(StatusFailed))
		return artifacts, err
	}
	span.SetStatus(codes.Ok, "")
	o.metrics.RecordRun(ctx, o.id, string(StatusCompleted))
	logger.InfoContext(ctx, "run completed", slog.Int("artifacts", len(artifacts)))
	return artifacts, nil
}

func (o *Orchestrator) runNode(ctx context.Context, logger *slog.Logger, runID string, node *TaskNode, artifacts Artifacts) (err error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Node",
		trace.WithAttributes(telemetry.NodeAttributes(node.Name, "", node.DependsOn)...),
	)
	defer span.End()

	started := time.Now()
	node.Status = StatusRunning
	o.record(ctx, AuditEvent{
		RunID:     runID,
		Pipeline:  o.id,
		Node:      node.Name,
		Vendor:    node.Provider.Vendor,
		Status:    string(StatusRunning),
		StartedAt: started,
	})
	logger.InfoContext(ctx, "node started", slog.String("node", node.Name), slog.String("provider", node.Provider.Vendor))

	defer func() {
		finished := time.Now()
		event := AuditEvent{
			RunID:      runID,
			Pipeline:   o.id,
			Node:       node.Name,
			Vendor:     node.Provider.Vendor,
			StartedAt:  started,
			FinishedAt: finished,
		}
		if err != nil {
			err = annotate(err, node.Name)
			node.Status = StatusFailed
			node.Err = err
			event.Status = string(StatusFailed)
			event.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.ErrorContext(ctx, "node failed", slog.String("node", node.Name), slog.Any("error", err))
		} else {
			node.Status = StatusCompleted
			event.Status = string(StatusCompleted)
			event.Output, _ = node.Result.(string)
			span.SetStatus(codes.Ok, "")
			logger.InfoContext(ctx, "node completed",
				slog.String("node", node.Name),
				slog.Duration("elapsed", finished.Sub(started)),
			)
		}
		span.SetAttributes(telemetry.NodeAttributes(node.Name, string(node.Status), nil)...)
		o.metrics.RecordNode(ctx, node.Name, string(node.Status), finished.Sub(started))
		o.record(ctx, event)
	}()

	ag, kwargs, err := o.prepare(ctx, node, artifacts)
	if err != nil {
		return err
	}
	out, err := ag.Invoke(ctx, kwargs)
	if err != nil {
		return err
	}
	node.Result = out
	artifacts[node.Name] = out
	return nil
}

// Preview formats the prompts of one node against artifacts without calling
// the provider.
func (o *Orchestrator) Preview(ctx context.Context, name string, artifacts Artifacts) (string, string, error) {
	node, ok := o.index[name]
	if !ok {
		return "", "", errors.Newf(errors.CodeNotFound, "node %q not found", name).WithContext("node", name)
	}
	ag, kwargs, err := o.prepare(ctx, node, artifacts)
	if err != nil {
		return "", "", annotate(err, name)
	}
	system, user, err := ag.Preview(kwargs)
	if err != nil {
		return "", "", annotate(err, name)
	}
	return system, user, nil
}

// prepare instantiates the node's provider and agent and builds its kwargs:
// dependency artifacts keyed by dependency name, then fixed kwargs, which win
// on collision.
func (o *Orchestrator) prepare(ctx context.Context, node *TaskNode, artifacts Artifacts) (agentInvoker, map[string]any, error) {
	provider, err := o.providers.New(ctx, node.Provider.Vendor, node.Provider.Config)
	if err != nil {
		return nil, nil, err
	}
	ag, err := node.Agent(provider)
	if err != nil {
		return nil, nil, err
	}

	kwargs := make(map[string]any, len(node.DependsOn)+len(node.Kwargs))
	for _, dep := range node.DependsOn {
		value, ok := artifacts[dep]
		if !ok {
			return nil, nil, errors.Newf(errors.CodeMissingDependency, "node %q depends on %q, which has no artifact", node.Name, dep).
				WithContext("dependency", dep)
		}
		kwargs[dep] = value
	}
	for k, v := range node.Kwargs {
		kwargs[k] = v
	}
	return ag, kwargs, nil
}

type agentInvoker interface {
	Invoke(ctx context.Context, kwargs map[string]any) (string, error)
	Preview(kwargs map[string]any) (string, string, error)
}

func (o *Orchestrator) record(ctx context.Context, event AuditEvent) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(ctx, event); err != nil {
		o.logger.WarnContext(ctx, "audit record failed",
			slog.String("node", event.Node),
			slog.String("status", event.Status),
			slog.Any("error", err),
		)
	}
}

// annotate attaches the node name to err. Errors that carry no code are
// wrapped: context errors as CONTEXT_LOST, anything else as INTERNAL_ERROR.
func annotate(err error, node string) error {
	if errors.CodeOf(err) != "" {
		errors.AsFabulaError(err).WithContext("node", node)
		return err
	}
	code := errors.CodeInternal
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		code = errors.CodeContextLost
	}
	return errors.New(code, fmt.Sprintf("node %q failed", node), err).
		WithContext("node", node)
}
