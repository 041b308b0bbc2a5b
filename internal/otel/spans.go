package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by capsule spans.
var (
	AttrContextID  = attribute.Key("capsule.context.id")
	AttrTaskID     = attribute.Key("capsule.task.id")
	AttrTaskState  = attribute.Key("capsule.task.state")
	AttrToolName   = attribute.Key("capsule.tool.name")
	AttrModel      = attribute.Key("capsule.model")
	AttrModelStep  = attribute.Key("capsule.model.step")
	AttrScheduleID = attribute.Key("capsule.schedule.id")
	AttrHookType   = attribute.Key("capsule.hook.type")
	AttrRPCMethod  = attribute.Key("capsule.rpc.method")
)

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(kind))
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartServerSpan starts a span for an inbound JSON-RPC or WebSocket call.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindServer, attrs)
}

// StartClientSpan starts a span for an outbound call to a model provider,
// hook sink or tool endpoint.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}
