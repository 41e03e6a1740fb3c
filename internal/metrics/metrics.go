// Package metrics provides Prometheus metrics for archival runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the harvester. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ItemsTotal        *prometheus.CounterVec
	DownloadsTotal    *prometheus.CounterVec
	DownloadBytes     prometheus.Counter
	DownloadDuration  prometheus.Histogram
	DownloadsInFlight prometheus.Gauge
	ExportsTotal      *prometheus.CounterVec
	PluginErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Items that reached a processing outcome, by status.",
			},
			[]string{"status"},
		),
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Download attempts by resulting status.",
			},
			[]string{"status"},
		),
		DownloadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_download_bytes_total",
				Help: "Bytes written by completed downloads.",
			},
		),
		DownloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_download_duration_seconds",
				Help:    "Duration of download attempts.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		DownloadsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_downloads_in_flight",
				Help: "Downloads currently being transferred.",
			},
		),
		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_exports_total",
				Help: "Exporter invocations by exporter and status.",
			},
			[]string{"exporter", "status"},
		),
		PluginErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_plugin_errors_total",
				Help: "Plugin failures by plugin and stage.",
			},
			[]string{"plugin", "stage"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ItemsTotal)
	reg.MustRegister(m.DownloadsTotal)
	reg.MustRegister(m.DownloadBytes)
	reg.MustRegister(m.DownloadDuration)
	reg.MustRegister(m.DownloadsInFlight)
	reg.MustRegister(m.ExportsTotal)
	reg.MustRegister(m.PluginErrorsTotal)

	return m
}

// Registry exposes the underlying registry (for testing and gathering).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordItem counts an item outcome.
func (m *Metrics) RecordItem(status string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(status).Inc()
}

// DownloadStarted marks a transfer as in flight.
func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Inc()
}

// DownloadFinished records the outcome of one transfer attempt.
func (m *Metrics) DownloadFinished(status string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Dec()
	m.DownloadsTotal.WithLabelValues(status).Inc()
	m.DownloadDuration.Observe(d.Seconds())
	if bytes > 0 {
		m.DownloadBytes.Add(float64(bytes))
	}
}

// RecordExport counts an exporter invocation.
func (m *Metrics) RecordExport(exporter, status string) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(exporter, status).Inc()
}

// RecordPluginError counts a plugin failure at a lifecycle stage.
func (m *Metrics) RecordPluginError(plugin, stage string) {
	if m == nil {
		return
	}
	m.PluginErrorsTotal.WithLabelValues(plugin, stage).Inc()
}
