package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Trace exporter kinds accepted by [NewTraceExporter].
const (
	TracesNone   = "none"
	TracesStdout = "stdout"
	TracesOTLP   = "otlp"
)

// TraceExportConfig selects where finished spans go.
type TraceExportConfig struct {
	// Kind is one of [TracesNone], [TracesStdout] or [TracesOTLP]. Empty
	// means none.
	Kind string

	// Endpoint is the OTLP/gRPC collector address (host:port).
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// Writer receives stdout spans. Default: os.Stdout.
	Writer io.Writer
}

// NewTraceExporter builds the configured exporter. It returns nil, nil for
// [TracesNone] so spans are recorded for log correlation only.
func NewTraceExporter(ctx context.Context, cfg TraceExportConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Kind {
	case "", TracesNone:
		return nil, nil
	case TracesStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("observe: stdout trace exporter: %w", err)
		}
		return exp, nil
	case TracesOTLP:
		if cfg.Endpoint == "" {
			return nil, errors.New("observe: otlp trace exporter needs an endpoint")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observe: otlp trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("observe: unknown trace exporter %q", cfg.Kind)
	}
}
