// Package metrics exposes Prometheus counters for scans, provider calls and
// notifications. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "market_alerts"

// Metrics holds the process collectors.
type Metrics struct {
	registry      *prometheus.Registry
	scans         *prometheus.CounterVec
	newListings   *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
}

// New creates Metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Completed scans by segment and outcome.",
		}, []string{"segment", "outcome"}),
		newListings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_new_listings_total",
			Help:      "Newly discovered listings by segment.",
		}, []string{"segment"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Scan wall time including waits on the segment gate.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"segment"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Outbound provider calls by segment and status class.",
		}, []string{"segment", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scans, m.newListings, m.scanDuration, m.notifications, m.providerCalls,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveScan records a finished scan.
func (m *Metrics) ObserveScan(segment, outcome string, newItems int, d time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(segment, outcome).Inc()
	m.scanDuration.WithLabelValues(segment).Observe(d.Seconds())
	if newItems > 0 {
		m.newListings.WithLabelValues(segment).Add(float64(newItems))
	}
}

// ObserveNotification records one channel delivery attempt.
func (m *Metrics) ObserveNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

// ObserveProviderCall records one outbound call.
func (m *Metrics) ObserveProviderCall(segment, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(segment, outcome).Inc()
}
