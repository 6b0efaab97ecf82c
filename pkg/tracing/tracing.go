// Package tracing exports supervisor spans over OTLP/HTTP. A disabled or nil
// Provider still hands out spans, so call sites never branch on it.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/warden/pkg/logging"
)

const tracerName = "github.com/psantana5/warden"

type Config struct {
	Enabled     bool
	Endpoint    string // host:port of an OTLP HTTP collector
	Version     string
	Environment string
	RunID       string   // attached to every span as warden.run_id
	Worker      []string // worker command line, attached as warden.worker
	SampleRatio float64  // outside (0,1) samples everything
}

// Provider hands out spans for one supervisor run.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

func InitTracer(ctx context.Context, cfg Config, logger *logging.Logger) (*Provider, error) {
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		return newProvider(sdktrace.NewTracerProvider()), nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(runAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	logger.Info("tracing enabled", logging.Fields{"endpoint": cfg.Endpoint, "sample_ratio": cfg.SampleRatio})
	return newProvider(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)), nil
}

func runAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("warden"),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if cfg.RunID != "" {
		attrs = append(attrs, attribute.String("warden.run_id", cfg.RunID))
	}
	if len(cfg.Worker) > 0 {
		attrs = append(attrs, attribute.StringSlice("warden.worker", cfg.Worker))
	}
	return attrs
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newProvider(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(tracerName)}
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddEvent annotates the span carried by ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetError records err on the span carried by ctx and marks it failed.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
