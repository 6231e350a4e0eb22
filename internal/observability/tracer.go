package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a span for an outgoing API call
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for bot spans
var (
	AttrExecutionID = attribute.Key("heroquote.execution_id")
	AttrTweetID     = attribute.Key("heroquote.tweet_id")
	AttrHero        = attribute.Key("heroquote.hero")
	AttrOutcome     = attribute.Key("heroquote.outcome")
	AttrMentions    = attribute.Key("heroquote.mentions")
	AttrClient      = attribute.Key("heroquote.client")
	AttrAttempt     = attribute.Key("heroquote.attempt")
)
