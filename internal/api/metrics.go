package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	budgetRejected  *prometheus.CounterVec
	budgetSpent     *prometheus.CounterVec
	batchesEnqueued *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diptych_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "diptych_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		budgetRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diptych_api_budget_rejections_total",
			Help: "Total API requests refused by the render budget.",
		}, []string{"route"}),
		budgetSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diptych_api_budget_diptychs_total",
			Help: "Total diptychs admitted by the render budget.",
		}, []string{"route"}),
		batchesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diptych_queue_batches_enqueued_total",
			Help: "Total batches handed to the worker queue.",
		}, []string{"queue"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.budgetRejected,
		m.budgetSpent,
		m.batchesEnqueued,
	)
	return m
}

func (m *metrics) metricsHandler(gatherers prometheus.Gatherers) http.Handler {
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := statusLabel(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

// routeLabel collapses ids so label cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case path == "/v1/batches:enqueue":
		return "/v1/batches:enqueue"
	case strings.HasPrefix(path, "/v1/batches/") && strings.HasSuffix(path, "/finalize"):
		return "/v1/batches/{id}/finalize"
	case strings.HasPrefix(path, "/v1/batches/"):
		return "/v1/batches/{id}"
	case strings.HasPrefix(path, "/v1/batches"):
		return "/v1/batches"
	case strings.HasPrefix(path, "/v1/previews/") && strings.HasSuffix(path, "/image"):
		return "/v1/previews/{id}/image"
	case strings.HasPrefix(path, "/v1/previews/"):
		return "/v1/previews/{id}"
	case strings.HasPrefix(path, "/v1/previews"):
		return "/v1/previews"
	case strings.HasPrefix(path, "/v1/presets"):
		return "/v1/presets"
	case strings.HasPrefix(path, "/v1/geometry"):
		return "/v1/geometry"
	case strings.HasPrefix(path, "/healthz"):
		return "/healthz"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
