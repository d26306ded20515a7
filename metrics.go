package main

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ---- instrumentation ----

// Metrics is the small operational surface exposed on the admin listener.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	stdioSessions *prometheus.GaugeVec
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mithril",
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by destination, transport, and status code.",
		}, []string{"destination", "transport", "code"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mithril",
			Name:      "proxy_request_duration_seconds",
			Help:      "Proxied request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination", "transport"}),
		stdioSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mithril",
			Name:      "proxy_stdio_sessions",
			Help:      "Active stdio sessions per destination.",
		}, []string{"destination"}),
	}
}

func (m *Metrics) observe(destination, transport string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(destination, transport, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(destination, transport).Observe(elapsed.Seconds())
}

func (m *Metrics) setStdioSessions(destination string, n int) {
	if m == nil {
		return
	}
	m.stdioSessions.WithLabelValues(destination).Set(float64(n))
}
