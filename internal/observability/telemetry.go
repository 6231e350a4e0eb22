package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects where batch and API spans go.
type Config struct {
	Enabled        bool
	Exporter       string // otlp-http or none
	Endpoint       string // collector host:port; empty uses the OTLP default
	ServiceName    string
	ServiceVersion string
	SampleRate     float64 // fraction of root spans kept, 1 keeps all
}

var (
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer("")
)

// Init installs the process tracer. With tracing off spans are noops and
// carry no ids.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		provider, tracer = nil, noop.NewTracerProvider().Tracer("")
		return nil
	}
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}
	return install(ctx, cfg, exp)
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp", "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		return exp, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// install builds the provider around exp. A nil exp still assigns trace
// ids, which end up in logs and outgoing traceparent headers.
func install(ctx context.Context, cfg Config, exp sdktrace.SpanExporter) error {
	name := cfg.ServiceName
	if name == "" {
		name = "heroquote"
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate >= 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	provider, tracer = tp, tp.Tracer(name)
	return nil
}

// Shutdown flushes buffered spans. It is a no-op when tracing is off.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return provider.Shutdown(ctx)
}

func Tracer() trace.Tracer { return tracer }

// Enabled reports whether Init installed a real provider.
func Enabled() bool { return provider != nil }
