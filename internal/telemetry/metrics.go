// Package telemetry wires OpenTelemetry tracing and metrics for the routing
// core and exposes them to Prometheus.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint" yaml:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// Telemetry owns the tracer and meter providers of one client instance.
type Telemetry struct {
	config         TelemetryConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
	metrics        *Metrics
}

// NewTelemetry creates a new telemetry instance. A disabled instance hands
// out no-op tracers and metrics.
func NewTelemetry(config TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{config: config}
	if !config.Enabled {
		t.metrics = NopMetrics()
		return t, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "drc"
		t.config.ServiceName = config.ServiceName
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.initTracing(res); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := t.initMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	m, err := NewMetrics(t.meterProvider.Meter(config.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	t.metrics = m
	return t, nil
}

// initTracing initializes OpenTelemetry tracing
func (t *Telemetry) initTracing(res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if t.config.JaegerEndpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.JaegerEndpoint)))
		if err != nil {
			return fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		sampleRate := t.config.SampleRate
		if sampleRate == 0 {
			sampleRate = 1.0
		}
		opts = append(opts,
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))))
	}

	t.tracerProvider = sdktrace.NewTracerProvider(opts...)
	return nil
}

// initMetrics initializes OpenTelemetry metrics backed by a private
// Prometheus registry, so several clients can live in one process.
func (t *Telemetry) initMetrics(res *resource.Resource) error {
	t.registry = prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	return nil
}

// InstallGlobal registers the providers as the process-wide otel defaults.
// Only the CLI does this; embedded clients keep their providers private.
func (t *Telemetry) InstallGlobal() {
	if t.tracerProvider != nil {
		otel.SetTracerProvider(t.tracerProvider)
	}
	if t.meterProvider != nil {
		otel.SetMeterProvider(t.meterProvider)
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// Tracer returns a named tracer, or a no-op tracer when disabled.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	if t.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return t.tracerProvider.Tracer(name)
}

// Metrics returns the domain instruments.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Handler serves the Prometheus exposition of this instance's metrics.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Stop flushes and shuts down the providers.
func (t *Telemetry) Stop(ctx context.Context) error {
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}
	return nil
}
