package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServeChecksReportsFailure(t *testing.T) {
	s := New()
	s.RegisterReadiness("haconnector", func() (bool, string) { return false, "backoff" })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.handleReadyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK {
		t.Fatal("OK = true, want false")
	}
	if resp.Checks["haconnector"] != "backoff" {
		t.Errorf("checks[haconnector] = %q, want backoff", resp.Checks["haconnector"])
	}
}

func TestServeChecksAllPass(t *testing.T) {
	s := New()
	s.RegisterLiveness("metadata_store", func() (bool, string) { return true, "ok" })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMetricsRendersSortedCounters(t *testing.T) {
	s := New()
	s.RegisterCounter("zzz_total", func() int64 { return 3 })
	s.RegisterCounter("aaa_total", func() int64 { return 1 })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.handleMetrics(rec, req)

	want := "aaa_total 1\nzzz_total 3\n"
	if rec.Body.String() != want {
		t.Fatalf("body = %q, want %q", rec.Body.String(), want)
	}
}
