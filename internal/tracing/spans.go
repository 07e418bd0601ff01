package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrSessionID    = "session.id"
	AttrAttachMode   = "attach.mode"
	AttrConnectionID = "connection.id"
	AttrFrameType    = "frame.type"
	AttrHistoryLen   = "history.length"
	AttrExitCode     = "process.exit_code"
	AttrErrorMessage = "error.message"
)

// Span names.
const (
	SpanAttach = "hub.attach"
	SpanSpawn  = "adapter.spawn"
	SpanInput  = "hub.input"
	SpanDetach = "hub.detach"
)

// Start opens a span for a session.
func Start(ctx context.Context, tracer trace.Tracer, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
}
