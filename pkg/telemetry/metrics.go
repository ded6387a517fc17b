// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/fabula/pkg/errors"
)

// ErrorMetrics counts failures by error code and the component that saw them.
// A nil *ErrorMetrics records nothing.
type ErrorMetrics struct {
	errors metric.Int64Counter
}

func NewErrorMetrics(ctx context.Context) (*ErrorMetrics, error) {
	counter, err := otel.Meter("fabula/errors").Int64Counter(
		"fabula.errors.total",
		metric.WithDescription("Failures by error code and component"),
	)
	if err != nil {
		return nil, err
	}
	return &ErrorMetrics{errors: counter}, nil
}

// RecordErrorMetric counts err. Errors without a Fabula code count as INTERNAL_ERROR.
func (em *ErrorMetrics) RecordErrorMetric(ctx context.Context, err error, component string) {
	if em == nil || err == nil {
		return
	}
	fe := errors.AsFabulaError(err)
	em.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", string(fe.Code)),
		attribute.String("component", component),
		attribute.String("recoverable", fe.RecoverableString()),
	))
}

// PipelineMetrics holds the run, node and provider instruments.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	runs          metric.Int64Counter
	nodeDuration  metric.Float64Histogram
	providerCalls metric.Int64Counter
	retries       metric.Int64Counter
}

// NewPipelineMetrics creates the instruments on the global meter provider.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter("fabula/orchestrator")
	var (
		pm  PipelineMetrics
		err error
	)
	if pm.runs, err = meter.Int64Counter("fabula.runs",
		metric.WithDescription("Pipeline runs by pipeline and final status")); err != nil {
		return nil, err
	}
	if pm.nodeDuration, err = meter.Float64Histogram("fabula.node.duration",
		metric.WithDescription("Node execution latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if pm.providerCalls, err = meter.Int64Counter("fabula.provider.calls",
		metric.WithDescription("Provider generate calls by vendor and outcome")); err != nil {
		return nil, err
	}
	if pm.retries, err = meter.Int64Counter("fabula.provider.retries",
		metric.WithDescription("Provider calls retried after a recoverable failure")); err != nil {
		return nil, err
	}
	return &pm, nil
}

func (pm *PipelineMetrics) RecordRun(ctx context.Context, pipeline, status string) {
	if pm == nil {
		return
	}
	pm.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPipelineID, pipeline),
		attribute.String("status", status),
	))
}

func (pm *PipelineMetrics) RecordNode(ctx context.Context, node, status string, elapsed time.Duration) {
	if pm == nil {
		return
	}
	pm.nodeDuration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
		attribute.String(AttrNodeName, node),
		attribute.String(AttrNodeStatus, status),
	))
}

func (pm *PipelineMetrics) RecordProviderCall(ctx context.Context, provider string, success bool) {
	if pm == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	pm.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrLLMProvider, provider),
		attribute.String("outcome", outcome),
	))
}

func (pm *PipelineMetrics) RecordRetry(ctx context.Context, provider string) {
	if pm == nil {
		return
	}
	pm.retries.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrLLMProvider, provider)))
}
