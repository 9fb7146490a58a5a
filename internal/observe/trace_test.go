package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureDefaultLog points slog.Default at a buffer for the test.
func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "negotiate")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex characters", cid)
	}
}

func TestCallID_RoundTrip(t *testing.T) {
	t.Parallel()

	if got := CallID(context.Background()); got != "" {
		t.Errorf("CallID(background) = %q, want empty", got)
	}
	ctx := WithCallID(context.Background(), "call-1")
	if got := CallID(ctx); got != "call-1" {
		t.Errorf("CallID = %q, want call-1", got)
	}
}

func TestStartSpan_AndFailSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	_, ok := StartSpan(context.Background(), "call")
	FailSpan(ok, nil, "ignored")
	ok.End()

	_, failed := StartSpan(context.Background(), "call")
	FailSpan(failed, errors.New("ice failed"), "transport_error")
	failed.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("nil error changed status to %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "transport_error" {
		t.Errorf("failed span status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed span has no recorded error event")
	}
}

func TestLogger_Attributes(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		missing []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			missing: []string{"call_id", "trace_id"},
		},
		{
			name: "call id only",
			ctx: func() (context.Context, func()) {
				return WithCallID(context.Background(), "c-42"), func() {}
			},
			want:    []string{"call_id=c-42"},
			missing: []string{"trace_id"},
		},
		{
			name: "call id and span",
			ctx: func() (context.Context, func()) {
				ctx, span := tp.Tracer("test").Start(WithCallID(context.Background(), "c-43"), "call")
				return ctx, func() { span.End() }
			},
			want: []string{"call_id=c-43", "trace_id=", "span_id="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureDefaultLog(t)
			ctx, done := tt.ctx()
			defer done()

			Logger(ctx).Info("call: starting")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, m := range tt.missing {
				if strings.Contains(out, m) {
					t.Errorf("log %q should not contain %q", out, m)
				}
			}
		})
	}
}
