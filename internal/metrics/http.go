package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outbound API metrics
var (
	// APIRequestsTotal counts requests to the remote API by method, path, and status code
	APIRequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of requests sent to the DataSync API",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration records request latency in seconds
	APIRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "DataSync API request latency in seconds",
			// Buckets: 10ms up to 30s, the per-attempt timeout
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"method", "path"},
	)

	// APIRequestsInFlight tracks requests awaiting a response
	APIRequestsInFlight = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_requests_in_flight",
			Help:      "Current number of DataSync API requests awaiting a response",
		},
	)
)

type instrumentedTransport struct {
	next http.RoundTripper
}

// Transport wraps next so that every outbound request records API metrics.
// A nil next uses http.DefaultTransport.
func Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &instrumentedTransport{next: next}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	APIRequestsInFlight.Inc()
	defer APIRequestsInFlight.Dec()

	start := time.Now()
	resp, err := t.next.RoundTrip(req)

	path := normalizePath(req.URL.Path)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}

	APIRequestsTotal.WithLabelValues(req.Method, path, status).Inc()
	APIRequestDuration.WithLabelValues(req.Method, path).Observe(time.Since(start).Seconds())

	return resp, err
}

// normalizePath collapses identifier-like segments so stream endpoints issued
// per grant do not explode label cardinality.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = "{param}"
		}
	}
	return strings.Join(segments, "/")
}

func looksLikeID(seg string) bool {
	if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
		return true
	}
	if len(seg) < 16 {
		return false
	}
	digits := 0
	for _, r := range seg {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == '-', r == '_':
		default:
			return false
		}
	}
	return digits > 0
}
