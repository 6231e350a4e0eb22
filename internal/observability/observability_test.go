package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestDefaultTracerIsUsable(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", AttrTweetID.String("1"))
	SetSpanError(span, errors.New("boom"))
	span.End()
	if GetTraceID(ctx) != "" {
		t.Fatal("noop tracer should not produce trace ids")
	}
}

func TestInitWithoutExporter(t *testing.T) {
	ctx := context.Background()
	if err := Init(ctx, Config{Enabled: true, Exporter: "none", SampleRate: 1}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		Shutdown(ctx)
		Init(ctx, Config{})
	})
	if !Enabled() {
		t.Fatal("expected tracing enabled")
	}

	ctx, span := StartClientSpan(ctx, "call")
	defer span.End()
	if GetTraceID(ctx) == "" || GetSpanID(ctx) == "" {
		t.Fatal("expected trace and span ids")
	}
	h := http.Header{}
	InjectHTTPHeaders(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}
}

func TestSpansReachExporter(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()
	if err := install(ctx, Config{Enabled: true, SampleRate: 1}, exp); err != nil {
		t.Fatalf("install: %v", err)
	}
	t.Cleanup(func() {
		Shutdown(ctx)
		Init(ctx, Config{})
	})

	_, span := StartSpan(ctx, "processor.run", AttrExecutionID.String("exec_1"))
	span.End()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "processor.run" {
		t.Fatalf("spans = %+v", spans)
	}
	if v, ok := spans[0].Resource.Set().Value(semconv.ServiceNameKey); !ok || v.AsString() != "heroquote" {
		t.Fatalf("service.name = %v, %v", v, ok)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHTTPMiddlewareCapturesStatus(t *testing.T) {
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}
