package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for conductor spans.
var (
	AttrTaskID     = attribute.Key("conductor.task.id")
	AttrTaskType   = attribute.Key("conductor.task.type")
	AttrWorkerID   = attribute.Key("conductor.worker.id")
	AttrCapability = attribute.Key("conductor.capability")
	AttrShard      = attribute.Key("conductor.task.shard")
	AttrSessionID  = attribute.Key("conductor.consensus.session_id")
	AttrOutcome    = attribute.Key("conductor.consensus.outcome")
	AttrRetryCount = attribute.Key("conductor.task.retry_count")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (supervisor gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (capability executor).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
