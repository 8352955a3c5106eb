// Package observability provides OpenTelemetry tracing and RED metrics for
// the signing client and backend.
//
// A Provider built with Enabled=false is fully usable: spans are no-ops and
// no instruments exist, so callers never branch on telemetry.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const (
	instrumentationName = "sp-transaction-signing"
	metricExportEvery   = 15 * time.Second
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext gRPC (dev only)
}

// DefaultConfig returns disabled telemetry with sensible export settings.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "spsign",
		ServiceVersion: "0.1.0",
		Environment:    "staging",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the exporters and the signing instruments.
type Provider struct {
	config *Config
	logger *slog.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer

	// nil while disabled
	inst *instruments
}

type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	outcomes   metric.Int64Counter
}

// Noop returns a disabled provider.
func Noop() *Provider {
	return &Provider{config: DefaultConfig(), logger: slog.Default().With("component", "observability")}
}

// New creates a provider. With config.Enabled false nothing is exported.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if p.tracerProvider, err = newTracerProvider(ctx, config, res); err != nil {
		return nil, err
	}
	if p.meterProvider, err = newMeterProvider(ctx, config, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	meter := p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if p.inst, err = newInstruments(meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	), nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricExportEvery))),
	), nil
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	inst := &instruments{
		operations: counter("spsign.operations.total", "Operations started", "{operation}"),
		failures:   counter("spsign.errors.total", "Operations that ended in an error", "{error}"),
		outcomes:   counter("spsign.session.outcomes.total", "Terminal signing session outcomes by state and kind", "{session}"),
	}

	var err error
	// sessions wait on a human, so buckets reach the assertion window
	inst.latency, err = m.Float64Histogram("spsign.operation.duration",
		metric.WithDescription("Operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	errs = append(errs, err)

	inst.inFlight, err = m.Int64UpDownCounter("spsign.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return inst, nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.ErrorContext(ctx, "observability shutdown failed", "error", err)
	}
	return err
}

// Tracer returns the provider's tracer, or the global one while disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a span named name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordOutcome counts one terminal session outcome.
func (p *Provider) RecordOutcome(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.inst != nil {
		p.inst.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// TrackOperation starts a span and the RED bookkeeping for one operation.
// The returned function must be called exactly once when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithAttributes(attrs...))

	labels := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	set := metric.WithAttributes(labels...)
	if p.inst != nil {
		p.inst.operations.Add(ctx, 1, set)
		p.inst.inFlight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if p.inst == nil {
			return
		}
		p.inst.inFlight.Add(ctx, -1, set)
		p.inst.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			errType := attribute.String("error.type", fmt.Sprintf("%T", err))
			p.inst.failures.Add(ctx, 1, metric.WithAttributes(append(labels, errType)...))
		}
	}
}
