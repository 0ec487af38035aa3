package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the HTTP-layer prometheus collectors, registered on a
// caller-supplied registry so tests can use an isolated one.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
}

// NewMetrics registers the HTTP metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "labcontroller_http_request_duration_seconds",
			Help: "HTTP request duration in seconds.",
		}, []string{"method", "endpoint", "status"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labcontroller_http_requests_total",
			Help: "Total HTTP requests served.",
		}, []string{"method", "endpoint", "status"}),
	}
	reg.MustRegister(m.requestDuration, m.requestsTotal)
	return m
}

// Middleware records request duration and count, labeled by the matched
// chi route pattern so cardinality stays bounded under path parameters.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chiRoutePattern(r)
		status := strconv.Itoa(ww.Status())
		m.requestDuration.WithLabelValues(r.Method, endpoint, status).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
	})
}
