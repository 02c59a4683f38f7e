package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderIncludesHTTPAndDomainMetrics(t *testing.T) {
	ObserveHTTPRequest("/session/{id}", "GET", 200, 30*time.Millisecond)
	ObserveHTTPRequest("/end-session", "POST", 500, 2*time.Second)
	ObserveTrade("LiFi", "executed")
	ObserveTrade("LiFi", "executed")
	IncDecision("ROUTE_CHECK")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`pulsefi_http_requests_total{handler="/session/{id}",method="GET",code="200"} 1`,
		`pulsefi_http_request_errors_total{handler="/end-session",method="POST"} 1`,
		`pulsefi_http_request_duration_seconds_bucket{handler="/session/{id}",method="GET",le="0.05"} 1`,
		`pulsefi_trades_total{venue="LiFi",status="executed"} 2`,
		`pulsefi_agent_decisions_total{type="ROUTE_CHECK"} 1`,
		"# TYPE pulsefi_sessions_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := newHistogramVec("test_latency_seconds", "test", []float64{0.1, 1}, "op")
	h.observe(0.05, "read")
	h.observe(0.5, "read")
	h.observe(3, "read")

	var builder strings.Builder
	h.render(&builder)
	out := builder.String()
	for _, want := range []string{
		`test_latency_seconds_bucket{op="read",le="0.1"} 1`,
		`test_latency_seconds_bucket{op="read",le="1"} 2`,
		`test_latency_seconds_bucket{op="read",le="+Inf"} 3`,
		`test_latency_seconds_count{op="read"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("histogram output missing %q\n%s", want, out)
		}
	}
}
