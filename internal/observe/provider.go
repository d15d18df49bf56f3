package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "speechquery"

// TelemetryOption configures [Setup].
type TelemetryOption func(*telemetryConfig)

type telemetryConfig struct {
	version    string
	instanceID string
	exporter   sdktrace.SpanExporter
	global     bool
}

// WithServiceVersion reports version as service.version.
func WithServiceVersion(version string) TelemetryOption {
	return func(c *telemetryConfig) { c.version = version }
}

// WithInstanceID reports id as service.instance.id, e.g. the listen address
// when several servers share a host.
func WithInstanceID(id string) TelemetryOption {
	return func(c *telemetryConfig) { c.instanceID = id }
}

// WithSpanExporter exports spans, batched, through exp. Without it spans
// only feed correlation ids and trace-aware logs.
func WithSpanExporter(exp sdktrace.SpanExporter) TelemetryOption {
	return func(c *telemetryConfig) { c.exporter = exp }
}

// WithoutGlobal keeps the providers out of the otel globals. Tests use it to
// run several Telemetry values side by side.
func WithoutGlobal() TelemetryOption {
	return func(c *telemetryConfig) { c.global = false }
}

// Telemetry owns the server's meter and tracer providers and the Prometheus
// registry scraped on /metrics.
type Telemetry struct {
	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracers  *sdktrace.TracerProvider
}

// Setup builds the providers. Metrics are bridged into a private Prometheus
// registry that also carries the Go runtime and process collectors. Unless
// [WithoutGlobal] is given, both providers become the otel globals, which
// [DefaultMetrics] and [StartSpan] use.
func Setup(ctx context.Context, opts ...TelemetryOption) (*Telemetry, error) {
	cfg := telemetryConfig{global: true}
	for _, o := range opts {
		o(&cfg)
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if cfg.version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.version)))
	}
	if cfg.instanceID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(cfg.instanceID)))
	}
	res, err := resource.New(ctx, append(attrs, resource.WithSchemaURL(semconv.SchemaURL))...)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("observe: register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("observe: register process collector: %w", err)
	}
	bridge, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.exporter))
	}

	t := &Telemetry{
		registry: reg,
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(bridge)),
		tracers:  sdktrace.NewTracerProvider(tpOpts...),
	}
	if cfg.global {
		otel.SetMeterProvider(t.meters)
		otel.SetTracerProvider(t.tracers)
	}
	return t, nil
}

// Metrics creates the speech-query instruments on this Telemetry's meter
// provider.
func (t *Telemetry) Metrics() (*Metrics, error) {
	return NewMetrics(t.meters)
}

// MetricsHandler serves the registry in the Prometheus text format.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracers.Shutdown(ctx), t.meters.Shutdown(ctx))
}
