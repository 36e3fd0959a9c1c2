package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func Test_Metrics_EndpointReturns200(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeRetriever{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("want 200, got %d", w.Code)
	}
	ct := w.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
}

func Test_Metrics_RequestCounterIncremented(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	s := &Server{metrics: newServerMetrics(reg)}

	h := s.instrument("status", okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "ragkb_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == "GET" && labels["handler"] == "status" && labels["code"] == "200" {
				if m.GetCounter().GetValue() != 1 {
					t.Errorf("want counter=1, got %v", m.GetCounter().GetValue())
				}
				found = true
			}
		}
	}
	if !found {
		t.Error("ragkb_http_requests_total{handler=\"status\"} not found in gathered metrics")
	}
}

func Test_Metrics_StatusCodeCaptured(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	s := &Server{metrics: newServerMetrics(reg)}

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	h := s.instrument("mode", failing)
	req := httptest.NewRequest(http.MethodPut, "/api/mode", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "ragkb_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "code" && lp.GetValue() == "409" {
					return
				}
			}
		}
	}
	t.Error("409 status code not recorded in ragkb_http_requests_total")
}
