// Package observe holds the speechquery server's telemetry: turn, provider
// and frame metrics, the per-turn span, trace-aware logging and the HTTP
// middleware that sets X-Correlation-ID.
//
// [Setup] builds the meter and tracer providers and bridges the metrics into
// a Prometheus registry served on /metrics. Tests create instruments with
// [NewMetrics] on their own meter provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all speechquery metrics.
const meterName = "github.com/MrWong99/speechquery"

// Turn outcomes recorded by [Metrics.RecordTurn].
const (
	TurnOK       = "ok"
	TurnEmpty    = "empty"
	TurnError    = "error"
	TurnCanceled = "canceled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks how long a server-side transcription session stays
	// open, from the first audio frame to the final flush.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks the full streaming duration of one response.
	LLMDuration metric.Float64Histogram

	// LLMTimeToFirstChunk tracks the delay between the request and the first
	// non-empty streamed chunk.
	LLMTimeToFirstChunk metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Turns counts completed conversation turns by outcome.
	Turns metric.Int64Counter

	// ResponseChunks counts text chunks streamed to clients.
	ResponseChunks metric.Int64Counter

	// Frames counts inbound WebSocket frames. Use with attribute:
	//   attribute.String("type", "text"|"binary")
	Frames metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open /speech-query connections.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time, and for /speech-query the
	// session lifetime. Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice-chat latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.STTDuration, err = histogram("speechquery.stt.duration",
		"Duration of server-side speech-to-text sessions."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("speechquery.llm.duration",
		"Duration of streamed LLM responses."); err != nil {
		return nil, err
	}
	if met.LLMTimeToFirstChunk, err = histogram("speechquery.llm.first_chunk",
		"Delay until the first streamed LLM chunk."); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("speechquery.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("speechquery.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("speechquery.turns",
		metric.WithDescription("Total conversation turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ResponseChunks, err = m.Int64Counter("speechquery.response.chunks",
		metric.WithDescription("Total response chunks streamed to clients."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("speechquery.frames",
		metric.WithDescription("Total inbound WebSocket frames by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("speechquery.active_sessions",
		metric.WithDescription("Number of open speech-query connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("speechquery.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one finished turn with the given outcome (see [TurnOK]).
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFrame records one inbound frame of the given type.
func (m *Metrics) RecordFrame(ctx context.Context, frameType string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
}
