// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jllopis/fabula/pkg/errors"
)

// collect installs a manual reader as the global meter provider for the test.
func collect(t *testing.T) func() metricdata.ResourceMetrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
	return func() metricdata.ResourceMetrics {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("collect: %v", err)
		}
		return rm
	}
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestErrorMetricsCountsByCode(t *testing.T) {
	read := collect(t)
	em, err := NewErrorMetrics(context.Background())
	if err != nil {
		t.Fatalf("new error metrics: %v", err)
	}
	ctx := context.Background()
	em.RecordErrorMetric(ctx, errors.New(errors.CodeProviderError, "provider failed", nil), "orchestrator")
	em.RecordErrorMetric(ctx, stderrors.New("plain"), "orchestrator")
	em.RecordErrorMetric(ctx, nil, "orchestrator")

	var nilMetrics *ErrorMetrics
	nilMetrics.RecordErrorMetric(ctx, stderrors.New("ignored"), "orchestrator")

	if got := counterTotal(read(), "fabula.errors.total"); got != 2 {
		t.Errorf("expected 2 errors counted, got %d", got)
	}
}

func TestPipelineMetrics(t *testing.T) {
	read := collect(t)
	pm, err := NewPipelineMetrics()
	if err != nil {
		t.Fatalf("new pipeline metrics: %v", err)
	}
	ctx := context.Background()
	pm.RecordRun(ctx, "story", "completed")
	pm.RecordNode(ctx, "intake", "completed", 120*time.Millisecond)
	pm.RecordProviderCall(ctx, "openai", true)
	pm.RecordProviderCall(ctx, "claude", false)
	pm.RecordRetry(ctx, "claude")

	rm := read()
	if got := counterTotal(rm, "fabula.provider.calls"); got != 2 {
		t.Errorf("expected 2 provider calls, got %d", got)
	}
	if got := counterTotal(rm, "fabula.runs"); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
	if got := counterTotal(rm, "fabula.provider.retries"); got != 1 {
		t.Errorf("expected 1 retry, got %d", got)
	}

	var nilMetrics *PipelineMetrics
	nilMetrics.RecordRun(ctx, "story", "failed")
	nilMetrics.RecordNode(ctx, "intake", "failed", time.Second)
	nilMetrics.RecordProviderCall(ctx, "openai", true)
	nilMetrics.RecordRetry(ctx, "openai")
}

func TestConcurrentMetrics(t *testing.T) {
	em, _ := NewErrorMetrics(context.Background())
	pm, _ := NewPipelineMetrics()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			em.RecordErrorMetric(ctx, errors.New(errors.CodeTimeout, "timeout", nil), "orchestrator")
			pm.RecordNode(ctx, "creative", "completed", time.Millisecond)
		}()
	}
	wg.Wait()
}
