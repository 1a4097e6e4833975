package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for the daemon's spans.
var (
	AttrRunID     = attribute.Key("jagcd.run.id")
	AttrThreadKey = attribute.Key("jagcd.thread.key")
	AttrTaskID    = attribute.Key("jagcd.task.id")
	AttrToolName  = attribute.Key("jagcd.tool.name")
	AttrModel     = attribute.Key("jagcd.agent.model")
	AttrTokens    = attribute.Key("jagcd.agent.tokens")
	AttrRunStatus = attribute.Key("jagcd.run.status")
	AttrSessionID = attribute.Key("jagcd.session.id")
	AttrTraceID   = attribute.Key("jagcd.trace.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (the HTTP surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (the agent subprocess).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
