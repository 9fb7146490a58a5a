package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// routed builds a handler behind Middleware with the given patterns, each
// answering with its status code.
func routed(t *testing.T, routes map[string]int) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := http.NewServeMux()
	for pattern, code := range routes {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		})
	}
	return Middleware(m)(mux), reader, exp
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	h, _, exp := routed(t, map[string]int{"GET /call/history/{callID}": http.StatusOK})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/call/history/c-7", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got, want := spans[0].Name, "HTTP GET /call/history/{callID}"; got != want {
		t.Errorf("span name = %q, want %q", got, want)
	}
	var route string
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.route" {
			route = kv.Value.AsString()
		}
	}
	if route != "GET /call/history/{callID}" {
		t.Errorf("http.route = %q", route)
	}
	if cid := rec.Header().Get(CorrelationHeader); cid != spans[0].SpanContext.TraceID().String() {
		t.Errorf("%s = %q, want span trace id", CorrelationHeader, cid)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h, _, exp := routed(t, map[string]int{"POST /call/start": http.StatusAccepted})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodPost, "/call/start", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace id = %q, want %q", got, traceID)
	}
	if !spans[0].Parent.IsRemote() {
		t.Error("parent span context should be remote")
	}
}

func TestMiddleware_DurationAttributes(t *testing.T) {
	h, reader, _ := routed(t, map[string]int{
		"POST /call/start": http.StatusConflict,
		"GET /call/status": http.StatusOK,
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/call/start", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/call/status", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	type key struct{ route, class string }
	got := map[key]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "facetime.http.request.duration" {
				continue
			}
			hist, ok := md.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("data type = %T", md.Data)
			}
			for _, dp := range hist.DataPoints {
				route, _ := dp.Attributes.Value(attribute.Key("route"))
				class, _ := dp.Attributes.Value(attribute.Key("status_class"))
				got[key{route.AsString(), class.AsString()}] += dp.Count
			}
		}
	}

	want := map[key]uint64{
		{"POST /call/start", "4xx"}: 1,
		{"GET /call/status", "2xx"}: 1,
		{"GET unmatched", "4xx"}:    1,
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("count[%v] = %d, want %d (all: %v)", k, got[k], n, got)
		}
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{name: "control request", method: http.MethodPost, path: "/call/start", want: "level=INFO"},
		{name: "status poll", method: http.MethodGet, path: "/call/status", want: "level=DEBUG"},
		{name: "readiness check", method: http.MethodGet, path: "/readyz", want: "level=DEBUG"},
		{name: "server error", method: http.MethodPost, path: "/call/mute", want: "level=WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := routed(t, map[string]int{
				"POST /call/start": http.StatusAccepted,
				"GET /call/status": http.StatusOK,
				"GET /readyz":      http.StatusOK,
				"POST /call/mute":  http.StatusBadGateway,
			})

			var buf strings.Builder
			prev := slog.Default()
			slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
			t.Cleanup(func() { slog.SetDefault(prev) })

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			out := buf.String()
			if !strings.Contains(out, "http: request completed") {
				t.Fatalf("no completion log in %q", out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("log %q, want %s", out, tt.want)
			}
		})
	}
}
