// Package metrics defines the Prometheus collectors of the refresh cycle.
// All methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meridian"

// Metrics groups every collector of the service.
type Metrics struct {
	discovered       *prometheus.CounterVec
	discoveryErrors  *prometheus.CounterVec
	probes           *prometheus.CounterVec
	chunkFailures    *prometheus.CounterVec
	publishedServers *prometheus.GaugeVec
	cycleDuration    prometheus.Histogram
	cycleErrors      prometheus.Counter
	lastPublish      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "addresses_total",
			Help:      "Addresses received from the master server, after exclusion and deduplication.",
		}, []string{"region"}),
		discoveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "errors_total",
			Help:      "Failed master server region queries.",
		}, []string{"region"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "queries_total",
			Help:      "A2S_INFO queries by result.",
		}, []string{"result"}),
		chunkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "chunk_failures_total",
			Help:      "Rolled back upsert chunks by table.",
		}, []string{"table"}),
		publishedServers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "servers",
			Help:      "Servers in the last published view by category.",
		}, []string{"category"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Duration of probe, aggregate and publish cycles.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "errors_total",
			Help:      "Cycles aborted by a fatal error.",
		}),
		lastPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "published_timestamp_seconds",
			Help:      "Unix time of the last published view.",
		}),
	}

	reg.MustRegister(
		m.discovered, m.discoveryErrors, m.probes, m.chunkFailures,
		m.publishedServers, m.cycleDuration, m.cycleErrors, m.lastPublish,
	)

	return m
}

// Discovered counts addresses accepted from a region.
func (m *Metrics) Discovered(region string, n int) {
	if m == nil {
		return
	}
	m.discovered.WithLabelValues(region).Add(float64(n))
}

// DiscoveryFailed counts a failed region query.
func (m *Metrics) DiscoveryFailed(region string) {
	if m == nil {
		return
	}
	m.discoveryErrors.WithLabelValues(region).Inc()
}

// Probed counts one A2S query.
func (m *Metrics) Probed(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.probes.WithLabelValues(result).Inc()
}

// ChunkFailed counts a rolled back chunk.
func (m *Metrics) ChunkFailed(table string) {
	if m == nil {
		return
	}
	m.chunkFailures.WithLabelValues(table).Inc()
}

// CycleDone records a cycle duration, counting it as failed when err is set.
func (m *Metrics) CycleDone(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	if err != nil {
		m.cycleErrors.Inc()
	}
}

// Published records the category sizes of a published view.
func (m *Metrics) Published(at time.Time, sizes map[string]int) {
	if m == nil {
		return
	}
	m.publishedServers.Reset()
	for category, n := range sizes {
		m.publishedServers.WithLabelValues(category).Set(float64(n))
	}
	m.lastPublish.Set(float64(at.Unix()))
}
