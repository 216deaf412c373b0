package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds batch and preview collectors on their own registry. Runtime
// collectors are left to the binary's main registry so the two can be
// gathered together.
type Metrics struct {
	registry           *prometheus.Registry
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	batchesTotal       *prometheus.CounterVec
	activeBatches      prometheus.Gauge
	cacheWriteFailures prometheus.Counter
	previewsTotal      *prometheus.CounterVec
	previewDuration    prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diptych_batch_jobs_total",
			Help: "Total diptych jobs by outcome (rendered, cached, failed).",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "diptych_batch_job_duration_seconds",
			Help:    "Time spent producing one diptych output.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diptych_batches_total",
			Help: "Total finished batches by final state.",
		}, []string{"state"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "diptych_batches_active",
			Help: "Batches currently running.",
		}),
		cacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diptych_cache_write_failures_total",
			Help: "Render cache writes that failed and were skipped.",
		}),
		previewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diptych_previews_total",
			Help: "Total preview renders by final status.",
		}, []string{"status"}),
		previewDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "diptych_preview_duration_seconds",
			Help:    "Preview render latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.batchesTotal,
		m.activeBatches,
		m.cacheWriteFailures,
		m.previewsTotal,
		m.previewDuration,
	)
	return m
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
