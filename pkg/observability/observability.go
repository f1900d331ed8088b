// Package observability wires OpenTelemetry tracing and metrics for
// the execution engine. Metrics follow the RED pattern over the action
// pipeline; decisions, denials, and budget breaches get their own
// counters so policy behavior is graphable without log scraping.
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

	"github.com/provenact/provenact/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults: sample everything, local
// collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "provenact",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers. With Enabled false
// every recording method is a no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	submissions  metric.Int64Counter
	decisions    metric.Int64Counter
	breaches     metric.Int64Counter
	execDuration metric.Float64Histogram
	executing    metric.Int64UpDownCounter
}

func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("provenact.engine",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("provenact.engine",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
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
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
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
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.submissions, err = p.meter.Int64Counter("provenact.submissions.total",
		metric.WithDescription("Actions submitted"),
		metric.WithUnit("{action}"))
	if err != nil {
		return err
	}
	p.decisions, err = p.meter.Int64Counter("provenact.decisions.total",
		metric.WithDescription("Policy decisions by effect"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.breaches, err = p.meter.Int64Counter("provenact.budget_breaches.total",
		metric.WithDescription("Budget breaches by dimension"),
		metric.WithUnit("{breach}"))
	if err != nil {
		return err
	}
	p.execDuration, err = p.meter.Float64Histogram("provenact.execution.duration",
		metric.WithDescription("Execution wall time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0))
	if err != nil {
		return err
	}
	p.executing, err = p.meter.Int64UpDownCounter("provenact.executions.active",
		metric.WithDescription("Currently executing actions"),
		metric.WithUnit("{action}"))
	return err
}

// RecordSubmission counts one submitted action.
func (p *Provider) RecordSubmission(ctx context.Context, kind string) {
	if p.submissions == nil {
		return
	}
	p.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDecision counts a policy decision by effect.
func (p *Provider) RecordDecision(ctx context.Context, effect contracts.DecisionEffect) {
	if p.decisions == nil {
		return
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("effect", string(effect))))
}

// RecordExecution records one finished execution.
func (p *Provider) RecordExecution(ctx context.Context, result *contracts.ExecutionResult) {
	if p.execDuration == nil || result == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(result.Status)))
	p.execDuration.Record(ctx, float64(result.Ms)/1000, attrs)
	if result.Breach != nil {
		p.breaches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("dimension", string(result.Breach.Dimension))))
	}
}

// ExecutionStarted marks an execution in flight; call the returned
// function when it finishes.
func (p *Provider) ExecutionStarted(ctx context.Context) func() {
	if p.executing == nil {
		return func() {}
	}
	p.executing.Add(ctx, 1)
	return func() { p.executing.Add(ctx, -1) }
}

// Tracer returns the engine tracer, or a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("provenact.noop")
	}
	return p.tracer
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}
