// Package metrics exposes ingestion and reload counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "liveupdater"

// Collector is a prometheus.Collector for the ingestion service and the
// reload dispatcher. A nil *Collector discards observations.
type Collector struct {
	activeSessions prometheus.Gauge
	authFailures   *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	reloads        *prometheus.CounterVec
	reloadDuration prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_sessions",
				Help:      "The number of connected ingestion sessions.",
			},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "authentication_failures_total",
				Help:      "The number of failed uploader logins.",
			}, []string{"auth_method"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploads_total",
				Help:      "Completed uploads by recorded outcome.",
			}, []string{"outcome"},
		),
		uploadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upload_bytes_total",
				Help:      "Bytes committed to the target directory.",
			},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reloads_total",
				Help:      "Reload commands sent over RCON by result.",
			}, []string{"result"},
		),
		reloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "reload_duration_seconds",
				Help:      "Time from upload completion to the RCON reply.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.activeSessions.Describe(ch)
	c.authFailures.Describe(ch)
	c.uploads.Describe(ch)
	c.uploadBytes.Describe(ch)
	c.reloads.Describe(ch)
	c.reloadDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.activeSessions.Collect(ch)
	c.authFailures.Collect(ch)
	c.uploads.Collect(ch)
	c.uploadBytes.Collect(ch)
	c.reloads.Collect(ch)
	c.reloadDuration.Collect(ch)
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() {
	if c != nil {
		c.activeSessions.Inc()
	}
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	if c != nil {
		c.activeSessions.Dec()
	}
}

// AuthFailed counts a rejected login for method ("password", "certificate").
func (c *Collector) AuthFailed(method string) {
	if c != nil {
		c.authFailures.WithLabelValues(method).Inc()
	}
}

// UploadCommitted counts bytes that reached the target directory.
func (c *Collector) UploadCommitted(size int64) {
	if c != nil && size > 0 {
		c.uploadBytes.Add(float64(size))
	}
}

// UploadRecorded counts an upload by its final outcome.
func (c *Collector) UploadRecorded(outcome string) {
	if c != nil {
		c.uploads.WithLabelValues(outcome).Inc()
	}
}

// ReloadObserved counts a reload attempt and its latency.
func (c *Collector) ReloadObserved(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.reloads.WithLabelValues(result).Inc()
	c.reloadDuration.Observe(d.Seconds())
}
