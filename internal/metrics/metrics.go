// Package metrics provides Prometheus metrics for diglett agents and
// servers.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "diglett"

// Metrics holds every Prometheus collector diglett reports. A nil
// *Metrics is valid and every method on it is a no-op, so components can
// be built with metrics disabled without branching on a nil check at
// every call site.
type Metrics struct {
	// Stream metrics
	StreamsActive prometheus.Gauge
	StreamsOpened prometheus.Counter
	StreamsClosed prometheus.Counter
	StreamErrors  *prometheus.CounterVec

	// Frame/byte metrics
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	// Registration metrics
	RegistrationsActive prometheus.Gauge
	RegistrationsTotal  prometheus.Counter

	// Handshake/control metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// primarily so tests can use an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open streams across all registrations.",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened.",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed.",
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total stream errors by type.",
		}, []string{"error_type"}),

		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total payload frames sent.",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total payload frames received.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received.",
		}),

		RegistrationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registrations_active",
			Help:      "Number of currently active agent registrations.",
		}),
		RegistrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total number of registrations accepted.",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of control-phase handshake latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake/control errors by type.",
		}, []string{"error_type"}),
	}
}

// StreamOpened records a stream being opened.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
}

// StreamClosed records a stream being closed.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// StreamError records a stream-scoped error by type.
func (m *Metrics) StreamError(errorType string) {
	if m == nil {
		return
	}
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// FrameSent records an outbound Payload frame of n bytes.
func (m *Metrics) FrameSent(n int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(n))
}

// FrameReceived records an inbound frame of n payload bytes.
func (m *Metrics) FrameReceived(n int) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

// RegistrationOpened records a successful registration.
func (m *Metrics) RegistrationOpened() {
	if m == nil {
		return
	}
	m.RegistrationsActive.Inc()
	m.RegistrationsTotal.Inc()
}

// RegistrationClosed records a registration ending.
func (m *Metrics) RegistrationClosed() {
	if m == nil {
		return
	}
	m.RegistrationsActive.Dec()
}

// RecordHandshake records a completed handshake's latency.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake/control-phase error by type.
func (m *Metrics) RecordHandshakeError(errorType string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}
