package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of the session engine's spans.
const tracerName = "github.com/sonara-ai/sonara"

// StartSessionSpan opens the root span covering one tutoring session, from
// dial to teardown. The returned context carries the span; turn spans nest
// under it.
func StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session.run",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
}

// StartTurnSpan opens a span for persisting one finalized turn, nested under
// the session span when ctx carries one.
func StartTurnSpan(ctx context.Context, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn.save",
		trace.WithAttributes(attribute.String("turn.role", role)))
}

// TraceID returns the active trace identifier in ctx, or the empty string
// outside a span. Log lines and stored records carry it so a persisted turn
// can be joined back to its trace.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger binds slog.Default to the active span's trace and span identifiers.
// Outside a span it returns the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
