// Package observability wires OpenTelemetry tracing and metrics for the
// action pipeline: execution rate, failures, deferrals, and durations,
// exported over OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fiscalpilot-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the pipeline's
// instruments. A disabled provider is a safe no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	executedCounter metric.Int64Counter
	failedCounter   metric.Int64Counter
	deferredCounter metric.Int64Counter
	durationHist    metric.Float64Histogram
}

// New creates a provider. When config.Enabled is false no exporters are
// created and every instrument call is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("fiscalpilot.core",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	meter := otel.Meter("fiscalpilot.core",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initInstruments(meter); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	p.executedCounter, err = meter.Int64Counter("fiscalpilot.actions.executed",
		metric.WithDescription("Actions executed successfully"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.failedCounter, err = meter.Int64Counter("fiscalpilot.actions.failed",
		metric.WithDescription("Action executions that failed"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.deferredCounter, err = meter.Int64Counter("fiscalpilot.actions.deferred",
		metric.WithDescription("Actions deferred by rate limiting"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = meter.Float64Histogram("fiscalpilot.action.duration",
		metric.WithDescription("Action execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0),
	)
	return err
}

// StartSpan begins a span for one pipeline operation. With telemetry
// disabled the returned span is a no-op.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordExecuted counts one successful execution.
func (p *Provider) RecordExecuted(ctx context.Context, actionType string, dryRun bool) {
	if p.executedCounter == nil {
		return
	}
	p.executedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action.type", actionType),
			attribute.Bool("dry_run", dryRun),
		))
}

// RecordFailed counts one failed execution.
func (p *Provider) RecordFailed(ctx context.Context, actionType, errorCode string) {
	if p.failedCounter == nil {
		return
	}
	p.failedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action.type", actionType),
			attribute.String("error.code", errorCode),
		))
}

// RecordDeferred counts one rate-limit deferral.
func (p *Provider) RecordDeferred(ctx context.Context, actionType string) {
	if p.deferredCounter == nil {
		return
	}
	p.deferredCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action.type", actionType)))
}

// ObserveDuration records one execution duration.
func (p *Provider) ObserveDuration(ctx context.Context, actionType string, d time.Duration) {
	if p.durationHist == nil {
		return
	}
	p.durationHist.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("action.type", actionType)))
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
