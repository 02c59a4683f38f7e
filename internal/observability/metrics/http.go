package metrics

import (
	"strconv"
	"time"
)

var (
	httpRequests = newCounterVec("pulsefi_http_requests_total",
		"Total number of HTTP requests processed.", "handler", "method", "code")
	httpErrors = newCounterVec("pulsefi_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.", "handler", "method")
	httpLatency = newHistogramVec("pulsefi_http_request_duration_seconds",
		"HTTP request duration in seconds.",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}, "handler", "method")
)

// ObserveHTTPRequest records one handled request. handler should be the
// route pattern, not the raw path, to keep label cardinality bounded.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.inc(handler, method, strconv.Itoa(status))
	if status >= 500 {
		httpErrors.inc(handler, method)
	}
	httpLatency.observe(duration.Seconds(), handler, method)
}
