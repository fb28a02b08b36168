package observe

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMiddleware(t *testing.T) {
	exp := useTestTracer(t)
	m, reader := newTestMetrics(t)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/speak", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	handler := Middleware(m, slog.New(slog.NewTextHandler(io.Discard, nil)))(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/speak", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
	if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 {
		t.Errorf("X-Correlation-ID = %q, want a 32-char trace id", cid)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("trace context not propagated to the response")
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP POST" {
		t.Fatalf("spans = %+v", spans)
	}

	rm := collect(t, reader)
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if mt.Name != "mangavox.http.request.duration" {
				continue
			}
			hist, ok := mt.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 {
				t.Fatalf("unexpected data %T", mt.Data)
			}
			dp := hist.DataPoints[0]
			if v, _ := dp.Attributes.Value(attribute.Key("route")); v.AsString() != "POST /v1/speak" {
				t.Errorf("route = %q", v.AsString())
			}
			if v, _ := dp.Attributes.Value(attribute.Key("status")); v.AsInt64() != http.StatusBadGateway {
				t.Errorf("status attribute = %d", v.AsInt64())
			}
			found = true
		}
	}
	if !found {
		t.Error("http request duration not recorded")
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)

	handler := Middleware(m, nil)(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}
