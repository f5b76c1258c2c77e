package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	advisormetrics "github.com/theroutercompany/crop_advisor/pkg/advisor/metrics"
)

// knownRoutes bounds the route label cardinality.
var knownRoutes = map[string]struct{}{
	"/predict":      {},
	"/health":       {},
	"/readyz":       {},
	"/readiness":    {},
	"/openapi.json": {},
	"/metrics":      {},
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	inflight *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg *advisormetrics.Registry) *httpMetrics {
	if reg == nil {
		return nil
	}
	ns := reg.Namespace()

	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method, and status code.",
		}, []string{"route", "method", "code"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "http_inflight_requests",
			Help:      "HTTP requests currently being served by route.",
		}, []string{"route"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(m.requests, m.inflight, m.duration)
	return m
}

func (m *httpMetrics) track(r *http.Request) func(status int, elapsed time.Duration) {
	if m == nil || r == nil {
		return func(int, time.Duration) {}
	}

	route := routeLabel(r.URL.Path)
	m.inflight.WithLabelValues(route).Inc()

	return func(status int, elapsed time.Duration) {
		if status <= 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
		m.inflight.WithLabelValues(route).Dec()
	}
}

func routeLabel(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	return "other"
}
