package reportcache

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one Service
type Metrics struct {
	Lookups          *prometheus.CounterVec
	Writes           *prometheus.CounterVec
	WriteLatency     prometheus.Histogram
	FreshnessUpdates *prometheus.CounterVec
	Sessions         *prometheus.CounterVec
	CleanupDeleted   *prometheus.CounterVec
	Fetches          *prometheus.CounterVec
	registry         *prometheus.Registry
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// gets a private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		Lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agencycache_lookups_total",
				Help: "Cache lookups by result",
			},
			[]string{"result"},
		),
		Writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agencycache_writes_total",
				Help: "Cache writes by result",
			},
			[]string{"result"},
		),
		WriteLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agencycache_write_duration_seconds",
				Help:    "Cache write latency including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
		FreshnessUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agencycache_freshness_updates_total",
				Help: "Background freshness updates by result",
			},
			[]string{"result"},
		),
		Sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agencycache_preload_sessions_total",
				Help: "Preload session transitions by status",
			},
			[]string{"status"},
		),
		CleanupDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agencycache_cleanup_deleted_total",
				Help: "Rows removed or failed by housekeeping",
			},
			[]string{"kind"},
		),
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agencycache_fetch_total",
				Help: "Read-through fetches by outcome",
			},
			[]string{"outcome"},
		),
		registry: reg,
	}

	reg.MustRegister(m.Lookups, m.Writes, m.WriteLatency, m.FreshnessUpdates,
		m.Sessions, m.CleanupDeleted, m.Fetches)
	return m
}

// ObserveLookup implements cache.Recorder
func (m *Metrics) ObserveLookup(result string) {
	m.Lookups.WithLabelValues(result).Inc()
}

// ObserveWrite implements cache.Recorder
func (m *Metrics) ObserveWrite(ok bool, took time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Writes.WithLabelValues(result).Inc()
	m.WriteLatency.Observe(took.Seconds())
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
