// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the debug bridge.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Proxy endpoint metrics
	ActiveProxies *prometheus.GaugeVec

	// Backend metrics
	BackendSockets    prometheus.Gauge
	DiscoveryDuration *prometheus.HistogramVec
	ConnectionErrors  *prometheus.CounterVec

	// Relay metrics
	MessagesRelayed *prometheus.CounterVec
	BytesRelayed    *prometheus.CounterVec
}

// New creates the bridge metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "debugbridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of frontends currently wired to a backend socket",
			},
			[]string{"mode"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of debug sessions established",
			},
			[]string{"mode"},
		),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Debug session duration in seconds",
				Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"mode"},
		),
		ActiveProxies: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_proxies",
				Help:      "Number of open proxy endpoints",
			},
			[]string{"mode"},
		),
		BackendSockets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_sockets",
				Help:      "Number of cached backend sockets",
			},
		),
		DiscoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "port_discovery_duration_seconds",
				Help:      "Time from attach request to reported inspector port",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		ConnectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of failures to reach a backend",
			},
			[]string{"stage"},
		),
		MessagesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_relayed_total",
				Help:      "Total number of inspector messages relayed",
			},
			[]string{"direction"},
		),
		BytesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_relayed_total",
				Help:      "Total number of bytes relayed",
			},
			[]string{"direction"},
		),
	}
}

// ObserveSession tracks a session lifecycle.
func (m *Metrics) ObserveSession(mode string, f func() error) error {
	if m == nil {
		return f()
	}
	m.SessionsTotal.WithLabelValues(mode).Inc()
	m.ActiveSessions.WithLabelValues(mode).Inc()
	defer m.ActiveSessions.WithLabelValues(mode).Dec()

	start := time.Now()
	defer func() {
		m.SessionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	return f()
}

// ObserveDiscovery records how long port discovery took.
func (m *Metrics) ObserveDiscovery(start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DiscoveryDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// ProxyOpened counts an endpoint opening.
func (m *Metrics) ProxyOpened(mode string) {
	if m == nil {
		return
	}
	m.ActiveProxies.WithLabelValues(mode).Inc()
}

// ProxyClosed counts an endpoint closing.
func (m *Metrics) ProxyClosed(mode string) {
	if m == nil {
		return
	}
	m.ActiveProxies.WithLabelValues(mode).Dec()
}

// SocketOpened counts a backend socket entering the cache.
func (m *Metrics) SocketOpened() {
	if m == nil {
		return
	}
	m.BackendSockets.Inc()
}

// SocketClosed counts a backend socket leaving the cache.
func (m *Metrics) SocketClosed() {
	if m == nil {
		return
	}
	m.BackendSockets.Dec()
}

// ConnectionError counts a failure to reach a backend at stage.
func (m *Metrics) ConnectionError(stage string) {
	if m == nil {
		return
	}
	m.ConnectionErrors.WithLabelValues(stage).Inc()
}

// ObserveBytes counts n bytes relayed without message framing.
func (m *Metrics) ObserveBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// ObserveMessage counts one relayed message of n bytes.
func (m *Metrics) ObserveMessage(direction string, n int) {
	if m == nil {
		return
	}
	m.MessagesRelayed.WithLabelValues(direction).Inc()
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}
