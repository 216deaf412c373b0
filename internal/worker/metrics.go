package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	activeBatches prometheus.Gauge
	diptychsTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diptych_worker_tasks_total",
			Help: "Total generate tasks by final batch state.",
		}, []string{"state"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "diptych_worker_task_duration_seconds",
			Help:    "Wall time of each generate task including the whole batch.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"state"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "diptych_worker_active_batches",
			Help: "Current number of batches running in the worker.",
		}),
		diptychsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diptych_worker_diptychs_total",
			Help: "Total diptychs written by batches the worker ran.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeBatches,
		m.diptychsTotal,
	)
	return m
}

func (m *metrics) Handler(gatherers prometheus.Gatherers) http.Handler {
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}
