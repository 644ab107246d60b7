package observe

import (
	"context"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestStageHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	stages := map[string]metric.Float64Histogram{
		"anamnese.stt.duration":     m.STTDuration,
		"anamnese.summary.duration": m.SummaryDuration,
		"anamnese.ingest.duration":  m.IngestDuration,
	}
	for _, h := range stages {
		h.Record(ctx, 0.2)
		h.Record(ctx, 45)
	}
	m.HTTPRequestDuration.Record(ctx, 0.01)

	rm := collect(t, reader)
	for name := range stages {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("%s not found", name)
		}
		if met.Unit != "s" {
			t.Errorf("%s unit = %q, want s", name, met.Unit)
		}
		dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
		if dp.Count != 2 {
			t.Errorf("%s count = %d, want 2", name, dp.Count)
		}
		if !slices.Equal(dp.Bounds, stageBuckets) {
			t.Errorf("%s bounds = %v, want %v", name, dp.Bounds, stageBuckets)
		}
	}
	if findMetric(rm, "anamnese.http.request.duration") == nil {
		t.Error("http histogram not found")
	}
}

func TestRecordChunk(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, StatusOK, 2*time.Second)
	m.RecordChunk(ctx, StatusOK, time.Second)
	m.RecordChunk(ctx, StatusError, time.Second)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "anamnese.chunks.ingested", "status", StatusOK); got != 2 {
		t.Errorf("ok chunks = %d, want 2", got)
	}
	if got := sumFor(t, rm, "anamnese.chunks.ingested", "status", StatusError); got != 1 {
		t.Errorf("error chunks = %d, want 1", got)
	}
	if findMetric(rm, "anamnese.ingest.duration") == nil {
		t.Error("ingest duration not recorded")
	}
}

func TestOutcomeCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSummary(ctx, StatusRefused)
	m.RecordSummary(ctx, StatusRefused)
	m.RecordDelivery(ctx, StatusGone)
	m.RecordDeadLettered(ctx, "permanent")
	m.RecordProviderRequest(ctx, "openai", "stt", StatusOK)
	m.RecordProviderError(ctx, "openai", "stt")
	m.RecordBreakerTransition(ctx, "openai", "open")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "anamnese.summaries", "status", StatusRefused); got != 2 {
		t.Errorf("refused summaries = %d, want 2", got)
	}
	if got := sumFor(t, rm, "anamnese.deliveries", "status", StatusGone); got != 1 {
		t.Errorf("gone deliveries = %d, want 1", got)
	}
	if got := sumFor(t, rm, "anamnese.dead_lettered", "reason", "permanent"); got != 1 {
		t.Errorf("dead lettered = %d, want 1", got)
	}
	if got := sumFor(t, rm, "anamnese.provider.requests", "status", StatusOK); got != 1 {
		t.Errorf("provider requests = %d, want 1", got)
	}
	if got := sumFor(t, rm, "anamnese.provider.errors", "kind", "stt"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
	if got := sumFor(t, rm, "anamnese.provider.breaker.transitions", "state", "open"); got != 1 {
		t.Errorf("breaker transitions = %d, want 1", got)
	}
}

func TestActiveConnectionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "anamnese.ws.connections")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric is not a sum with data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
