// Package observe holds the observability plumbing shared by every
// component: OpenTelemetry instruments for the ingest and completion
// pipelines, tracing helpers that carry trace ids into slog, and the HTTP
// middleware that opens a span per request.
//
// [InitProvider] installs the global providers and a Prometheus exporter
// served by [Handler]. Components take a [*Metrics] through an option and
// fall back to [DefaultMetrics]; tests build their own with [NewMetrics]
// on a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Values of the "status" attribute.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusRefused    = "refused"
	StatusIncomplete = "incomplete"
	StatusGone       = "gone"
)

// Metrics is the set of instruments the application records into.
type Metrics struct {
	// Stage latencies in seconds.
	STTDuration     metric.Float64Histogram
	SummaryDuration metric.Float64Histogram
	IngestDuration  metric.Float64Histogram // download, lookup, transcribe, upsert; by status

	// Outcome counters, all labelled with "status" unless noted.
	ChunksIngested metric.Int64Counter
	Summaries      metric.Int64Counter
	Deliveries     metric.Int64Counter
	DeadLettered   metric.Int64Counter // by "reason"

	// Provider health, labelled with "provider" and "kind" (stt, summary).
	ProviderRequests   metric.Int64Counter
	ProviderErrors     metric.Int64Counter
	BreakerTransitions metric.Int64Counter // by "provider" and target "state"

	// ActiveConnections is the number of open WebSocket delivery channels.
	ActiveConnections metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware] by method, route and
	// status class.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets suit calls that process whole audio chunks or transcripts.
var stageBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scope)
	var errs []error

	stage := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(stageBuckets...))
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m := &Metrics{
		STTDuration:     stage("anamnese.stt.duration", "Time spent transcribing one chunk."),
		SummaryDuration: stage("anamnese.summary.duration", "Time spent summarizing one conversation."),
		IngestDuration:  stage("anamnese.ingest.duration", "Time spent ingesting one chunk end to end."),

		ChunksIngested: counter("anamnese.chunks.ingested", "Chunk upload notifications handled."),
		Summaries:      counter("anamnese.summaries", "Summarization attempts."),
		Deliveries:     counter("anamnese.deliveries", "Summary pushes to live connections."),
		DeadLettered:   counter("anamnese.dead_lettered", "Queue records moved to the dead-letter subject."),

		ProviderRequests:   counter("anamnese.provider.requests", "Calls to external providers."),
		ProviderErrors:     counter("anamnese.provider.errors", "Failed calls to external providers."),
		BreakerTransitions: counter("anamnese.provider.breaker.transitions", "Circuit breaker state changes."),
	}

	var err error
	m.ActiveConnections, err = meter.Int64UpDownCounter("anamnese.ws.connections",
		metric.WithDescription("Open delivery channels on this instance."))
	errs = append(errs, err)
	m.HTTPRequestDuration, err = meter.Float64Histogram("anamnese.http.request.duration",
		metric.WithDescription("HTTP request latency."), metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics lazily builds a [Metrics] on the global meter provider and
// returns the same value on every call. Call [InitProvider] first or the
// instruments record into a no-op provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func attrs(kv ...string) metric.MeasurementOption {
	set := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		set = append(set, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(set...)
}

// RecordChunk counts one handled chunk and its ingest latency.
func (m *Metrics) RecordChunk(ctx context.Context, status string, d time.Duration) {
	a := attrs("status", status)
	m.ChunksIngested.Add(ctx, 1, a)
	m.IngestDuration.Record(ctx, d.Seconds(), a)
}

// RecordSummary counts one summarization outcome.
func (m *Metrics) RecordSummary(ctx context.Context, status string) {
	m.Summaries.Add(ctx, 1, attrs("status", status))
}

// RecordDelivery counts one push attempt.
func (m *Metrics) RecordDelivery(ctx context.Context, status string) {
	m.Deliveries.Add(ctx, 1, attrs("status", status))
}

// RecordDeadLettered counts one dead-lettered queue record.
func (m *Metrics) RecordDeadLettered(ctx context.Context, reason string) {
	m.DeadLettered.Add(ctx, 1, attrs("reason", reason))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, attrs("provider", provider, "kind", kind, "status", status))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs("provider", provider, "kind", kind))
}

// RecordBreakerTransition counts a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1, attrs("provider", provider, "state", state))
}
