// Package observe provides the observability primitives shared by the call
// driver and the HTTP control surface: OpenTelemetry metrics, tracing,
// trace-aware logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// Prometheus scraping by [InitProvider] and [MetricsHandler]. Tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/Jubbery/simli-facetime-app"

// Metrics holds all OpenTelemetry instruments for the application.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks the start-conversation round trip.
	NegotiationDuration metric.Float64Histogram

	// ReadinessWait tracks the time from transport start to the call going live.
	ReadinessWait metric.Float64Histogram

	// CallDuration tracks how long calls stayed up, measured at teardown.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts accepted call starts.
	CallsStarted metric.Int64Counter

	// CallFailures counts calls ended by an error. Use with attribute:
	//   attribute.String("kind", ...)
	CallFailures metric.Int64Counter

	// AudioFrames counts forwarded audio frames. Use with attribute:
	//   attribute.String("direction", "outbound"|"inbound")
	AudioFrames metric.Int64Counter

	// AudioBytes counts forwarded audio payload bytes, same attributes as
	// AudioFrames.
	AudioBytes metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls is 1 while a call is between start and idle.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration is control request latency labelled by method,
	// route pattern and status class.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers network round trips up to the readiness wait, which
// starts at several seconds.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.NegotiationDuration, err = m.Float64Histogram("facetime.negotiation.duration",
		metric.WithDescription("Latency of the start-conversation request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReadinessWait, err = m.Float64Histogram("facetime.readiness.wait",
		metric.WithDescription("Time spent waiting for the avatar transport to become ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("facetime.call.duration",
		metric.WithDescription("Wall-clock duration of calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 300, 900, 1800, 3600),
	); err != nil {
		return nil, err
	}

	if met.CallsStarted, err = m.Int64Counter("facetime.calls.started",
		metric.WithDescription("Total accepted call starts."),
	); err != nil {
		return nil, err
	}
	if met.CallFailures, err = m.Int64Counter("facetime.calls.failures",
		metric.WithDescription("Total calls ended by an error, by failure kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("facetime.audio.frames",
		metric.WithDescription("Audio frames forwarded, by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("facetime.audio.bytes",
		metric.WithDescription("Audio payload bytes forwarded, by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("facetime.active_calls",
		metric.WithDescription("Number of calls currently in progress."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("facetime.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Direction values for the audio counters.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// RecordAudio counts one forwarded frame of n bytes.
func (m *Metrics) RecordAudio(ctx context.Context, direction string, n int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.AudioFrames.Add(ctx, 1, attrs)
	m.AudioBytes.Add(ctx, int64(n), attrs)
}

// RecordCallFailure counts a call ended by an error of the given kind.
func (m *Metrics) RecordCallFailure(ctx context.Context, kind string) {
	m.CallFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordNegotiation records a start-conversation round trip with its outcome.
func (m *Metrics) RecordNegotiation(ctx context.Context, d time.Duration, status string) {
	m.NegotiationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}
