package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type callIDKey struct{}

// StartSpan starts a span on the global tracer provider. The caller must end
// it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(meterName).Start(ctx, name, opts...)
}

// FailSpan marks span as failed with err. A nil err is ignored.
func FailSpan(span trace.Span, err error, reason string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	if reason == "" {
		reason = err.Error()
	}
	span.SetStatus(codes.Error, reason)
}

// WithCallID returns a context carrying the call id for [Logger].
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallID returns the call id stored by [WithCallID], or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// CorrelationID is the trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with the call id and the span's trace
// and span ids from ctx attached when present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := CallID(ctx); id != "" {
		l = l.With(slog.String("call_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
