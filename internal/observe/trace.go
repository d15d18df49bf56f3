package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/speechquery"

// SpanTurn names the span covering one response turn, from the server's
// <start> to its <end>.
const SpanTurn = "gateway.turn"

// Span attribute keys.
const (
	AttrSessionID   = attribute.Key("speechquery.session_id")
	AttrTurn        = attribute.Key("speechquery.turn")
	AttrTurnOutcome = attribute.Key("speechquery.turn.outcome")
	AttrChunks      = attribute.Key("speechquery.turn.chunks")
)

// Tracer returns the speechquery tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span; the caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurn opens the [SpanTurn] span for the n-th turn of a session. The
// span is a child of whatever span ctx carries, normally the upgrade request.
func StartTurn(ctx context.Context, sessionID string, n int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanTurn, trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrTurn.Int(n),
	))
}

// EndTurn records how the turn ended and closes span. A [TurnError] outcome
// marks the span as failed with err.
func EndTurn(span trace.Span, outcome string, chunks int, err error) {
	span.SetAttributes(AttrTurnOutcome.String(outcome), AttrChunks.Int(chunks))
	if outcome == TurnError {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Error, outcome)
		}
	}
	span.End()
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
// It is also sent as the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger adds trace_id and span_id from ctx to base. base defaults to
// [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
