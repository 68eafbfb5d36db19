// Package metrics exports engine and learning counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentdb"

// Metrics holds the collectors on a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	inserts        *prometheus.CounterVec
	searches       *prometheus.CounterVec
	searchLatency  *prometheus.HistogramVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	indexSize      prometheus.Gauge
	rebuilds       *prometheus.CounterVec
	experiences    *prometheus.CounterVec
	trainingRuns   *prometheus.CounterVec
	trainingTime   prometheus.Histogram
	activeSessions prometheus.Gauge
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.inserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "Vector writes by operation",
	}, []string{"op"})

	m.searches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Search requests by mode and status",
	}, []string{"mode", "status"})

	m.searchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "latency_seconds",
		Help:      "Search latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"mode"})

	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Query cache hits",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Query cache misses",
	})

	m.indexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "vectors",
		Help:      "Live vectors in the ANN index",
	})
	m.rebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "rebuilds_total",
		Help:      "Index rebuilds from the store by reason",
	}, []string{"reason"})

	m.experiences = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "learning",
		Name:      "experiences_total",
		Help:      "Recorded experiences by verdict",
	}, []string{"verdict"})
	m.trainingRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "learning",
		Name:      "training_runs_total",
		Help:      "Training runs by status",
	}, []string{"status"})
	m.trainingTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "learning",
		Name:      "training_duration_seconds",
		Help:      "Training run duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})
	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "learning",
		Name:      "active_sessions",
		Help:      "Sessions that are not ended",
	})

	m.registry.MustRegister(
		m.inserts, m.searches, m.searchLatency, m.cacheHits, m.cacheMisses,
		m.indexSize, m.rebuilds, m.experiences, m.trainingRuns, m.trainingTime, m.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Write counts a store write ("insert", "update", "delete").
func (m *Metrics) Write(op string) {
	if m == nil {
		return
	}
	m.inserts.WithLabelValues(op).Inc()
}

// Search records one search request.
func (m *Metrics) Search(mode string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.searches.WithLabelValues(mode, status).Inc()
	m.searchLatency.WithLabelValues(mode).Observe(d.Seconds())
}

// Cache counts a cache lookup.
func (m *Metrics) Cache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// IndexSize sets the live vector gauge.
func (m *Metrics) IndexSize(n int) {
	if m == nil {
		return
	}
	m.indexSize.Set(float64(n))
}

// Rebuild counts an index rebuild.
func (m *Metrics) Rebuild(reason string) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(reason).Inc()
}

// Experience counts a recorded experience.
func (m *Metrics) Experience(verdict string) {
	if m == nil {
		return
	}
	m.experiences.WithLabelValues(verdict).Inc()
}

// Training records a finished training run.
func (m *Metrics) Training(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.trainingRuns.WithLabelValues(status).Inc()
	m.trainingTime.Observe(d.Seconds())
}

// ActiveSessions sets the session gauge.
func (m *Metrics) ActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
