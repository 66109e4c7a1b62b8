package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestMiddleware builds the middleware over isolated metric and trace
// providers and returns the readers for inspection.
func newTestMiddleware(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return Middleware(m), reader, exp
}

func serve(mw func(http.Handler) http.Handler, req *http.Request, status int, inspect func(*http.Request)) *httptest.ResponseRecorder {
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareCorrelatesRequests(t *testing.T) {
	mw, _, exp := newTestMiddleware(t)

	var cid string
	req := httptest.NewRequest("GET", "/v1/replay", nil)
	rec := serve(mw, req, http.StatusOK, func(r *http.Request) {
		cid = CorrelationID(r.Context())
	})

	if len(cid) != 32 {
		t.Errorf("handler saw correlation ID %q, want a 32-char trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want the handler's trace ID %q", got, cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /v1/replay" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /v1/replay")
	}
}

func TestMiddlewareRecordsRequestDuration(t *testing.T) {
	mw, reader, _ := newTestMiddleware(t)

	req := httptest.NewRequest("GET", "/v1/stats", nil)
	serve(mw, req, http.StatusOK, nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "reverb.http.request.duration")
	if met == nil {
		t.Fatal("request duration histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data type = %T, want Histogram[float64]", met.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("datapoints = %+v, want one sample", hist.DataPoints)
	}

	got := map[string]string{}
	for _, kv := range hist.DataPoints[0].Attributes.ToSlice() {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["method"] != "GET" || got["path"] != "/v1/stats" {
		t.Errorf("attributes = %v, want method=GET path=/v1/stats", got)
	}
}

func TestMiddlewareTagsSpanWithStatusCode(t *testing.T) {
	mw, _, exp := newTestMiddleware(t)

	req := httptest.NewRequest("GET", "/v1/archive/nope", nil)
	rec := serve(mw, req, http.StatusNotFound, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=404")
	}
}

func TestMiddlewareHonorsIncomingTraceparent(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var cid string
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec := serve(mw, req, http.StatusOK, func(r *http.Request) {
		cid = CorrelationID(r.Context())
	})

	if cid != upstream {
		t.Errorf("correlation ID = %q, want the propagated trace %q", cid, upstream)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}
