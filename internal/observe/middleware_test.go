package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// controlServer wraps a mux shaped like the call control surface in
// Middleware, with metrics read through a manual reader and spans recorded
// in memory.
func controlServer(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter, *string) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := useRecorder(t)

	var seen string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /call/mute", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return Middleware(m)(mux), reader, exp, &seen
}

func serve(h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _, seen := controlServer(t)

	rec := serve(h, http.MethodPost, "/call/mute", nil)
	if len(*seen) != 32 {
		t.Fatalf("handler correlation id = %q, want a fresh trace id", *seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != *seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, *seen)
	}

	hdr := http.Header{"Traceparent": {"00-" + incomingTraceID + "-00f067aa0ba902b7-01"}}
	rec = serve(h, http.MethodPost, "/call/mute", hdr)
	if *seen != incomingTraceID {
		t.Errorf("handler correlation id = %q, want the incoming trace id", *seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != incomingTraceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, incomingTraceID)
	}
}

func TestMiddleware_Span(t *testing.T) {
	h, _, exp, _ := controlServer(t)

	rec := serve(h, http.MethodGet, "/call/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /call/unknown" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("http.response.status_code = %d, want 404", status)
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	h, reader, _, _ := controlServer(t)

	serve(h, http.MethodPost, "/call/mute", nil)
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		if rec := serve(h, http.MethodGet, "/sessions/"+id, nil); rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		method, _ := dp.Attributes.Value("method")
		counts[method.AsString()+" "+path.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"POST POST /call/mute":   1,
		"GET GET /sessions/{id}": 3,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%q] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("got %d label sets, want %d: %v", len(counts), len(want), counts)
	}
}
