package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client transport.
type Metrics struct {
	// Connection metrics
	ConnectAttemptsTotal *prometheus.CounterVec
	ConnectDuration      *prometheus.HistogramVec
	ConnectionState      *prometheus.GaugeVec
	FallbacksTotal       prometheus.Counter
	MigrationsTotal      prometheus.Counter
	ReconnectsTotal      prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec

	// Traffic metrics
	MessagesTotal *prometheus.CounterVec
	BytesTotal    *prometheus.CounterVec
	Latency       prometheus.Histogram

	// Stream metrics
	QUICStreamsActive    prometheus.Gauge
	QueueDepth           prometheus.Gauge
	QueueDroppedTotal    *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ConnectAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantarax_connect_attempts_total",
				Help: "Transport connect attempts",
			},
			[]string{"transport", "result"},
		),

		ConnectDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantarax_connect_duration_seconds",
				Help:    "Time to establish a transport",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"transport"},
		),

		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantarax_connection_state",
				Help: "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),

		FallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "quantarax_fallbacks_total",
				Help: "QUIC to WebSocket fallbacks",
			},
		),

		MigrationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "quantarax_migrations_total",
				Help: "WebSocket to QUIC migrations after a successful re-probe",
			},
		),

		ReconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "quantarax_reconnects_total",
				Help: "Scheduled reconnect attempts",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantarax_transport_errors_total",
				Help: "Transport errors observed",
			},
			[]string{"kind"},
		),

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantarax_messages_total",
				Help: "Messages moved through the active transport",
			},
			[]string{"direction"},
		),

		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantarax_bytes_total",
				Help: "Payload bytes moved through the active transport",
			},
			[]string{"direction"},
		),

		Latency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quantarax_message_latency_seconds",
				Help:    "Round trip latency of correlated messages",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		QUICStreamsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantarax_quic_streams_active",
				Help: "Outbound QUIC streams currently open",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantarax_websocket_queue_depth",
				Help: "Messages waiting in the WebSocket outbound queue",
			},
		),

		QueueDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantarax_websocket_queue_dropped_total",
				Help: "Queued messages discarded",
			},
			[]string{"reason"},
		),

		DuplicatesSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "quantarax_duplicates_suppressed_total",
				Help: "Inbound messages dropped as duplicates",
			},
		),

		gatherer: gatherer,
	}

	return m
}

// RecordConnectAttempt records one connect attempt and its duration.
func (m *Metrics) RecordConnectAttempt(transport string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConnectAttemptsTotal.WithLabelValues(transport, result).Inc()
	m.ConnectDuration.WithLabelValues(transport).Observe(durationSeconds)
}

// SetConnectionState marks state as the only active state.
func (m *Metrics) SetConnectionState(state string, all []string) {
	for _, s := range all {
		if s == state {
			m.ConnectionState.WithLabelValues(s).Set(1)
		} else {
			m.ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordSent updates metrics for an outbound message.
func (m *Metrics) RecordSent(bytes int) {
	m.MessagesTotal.WithLabelValues("sent").Inc()
	m.BytesTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordReceived updates metrics for an inbound message.
func (m *Metrics) RecordReceived(bytes int) {
	m.MessagesTotal.WithLabelValues("received").Inc()
	m.BytesTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordLatency observes one correlated round trip.
func (m *Metrics) RecordLatency(seconds float64) {
	m.Latency.Observe(seconds)
}

// RecordError increments the error counter for kind.
func (m *Metrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordQueueDrop increments the dropped-message counter.
func (m *Metrics) RecordQueueDrop(reason string) {
	m.QueueDroppedTotal.WithLabelValues(reason).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
