package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for fleetd spans and metrics.
var (
	AttrAgentID   = attribute.Key("fleet.agent.id")
	AttrIssueID   = attribute.Key("fleet.issue.id")
	AttrProjectID = attribute.Key("fleet.project.id")
	AttrEventType = attribute.Key("fleet.event.type")
	AttrSeq       = attribute.Key("fleet.event.seq")
	AttrRule      = attribute.Key("fleet.invariant.rule")
	AttrClientID  = attribute.Key("fleet.client.id")
	AttrMsgType   = attribute.Key("fleet.session.msg_type")
	AttrRoute     = attribute.Key("fleet.http.route")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (stream relay).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
