package service

import (
	"time"

	"github.com/quantarax/realtime/client/transport"
)

const latencyWindowSize = 100

// PerformanceMetrics is a point-in-time copy of connection telemetry.
type PerformanceMetrics struct {
	TransportType      transport.Type
	ConnectionState    ConnectionState
	ConnectedAt        time.Time
	ConnectionDuration time.Duration

	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64

	MessagesPerSecond float64
	BytesPerSecond    float64

	AverageLatency time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	LastLatency    time.Duration

	ReconnectCount int64
	ErrorCount     int64
	LastError      string
	FallbackCount  int64
	MigrationCount int64
}

// metricsTracker holds raw counters. It is not safe for concurrent use; the
// manager guards it with its own mutex.
type metricsTracker struct {
	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64

	reconnectCount int64
	errorCount     int64
	lastError      string
	fallbackCount  int64
	migrationCount int64

	latencies []time.Duration // ring of the last latencyWindowSize samples
	next      int

	// derived on each sample
	messagesPerSecond float64
	bytesPerSecond    float64
	avgLatency        time.Duration
	minLatency        time.Duration
	maxLatency        time.Duration
	lastLatency       time.Duration

	lastSampleAt       time.Time
	lastSampleMessages int64
	lastSampleBytes    int64
}

func newMetricsTracker(now time.Time) *metricsTracker {
	return &metricsTracker{
		latencies:    make([]time.Duration, 0, latencyWindowSize),
		lastSampleAt: now,
	}
}

func (m *metricsTracker) recordSent(n int) {
	m.messagesSent++
	m.bytesSent += int64(n)
}

func (m *metricsTracker) recordReceived(n int) {
	m.messagesReceived++
	m.bytesReceived += int64(n)
}

func (m *metricsTracker) recordError(err error) {
	m.errorCount++
	if err != nil {
		m.lastError = err.Error()
	}
}

func (m *metricsTracker) recordLatency(d time.Duration) {
	if len(m.latencies) < latencyWindowSize {
		m.latencies = append(m.latencies, d)
	} else {
		m.latencies[m.next] = d
	}
	m.next = (m.next + 1) % latencyWindowSize
	m.lastLatency = d
}

// sample recomputes throughput since the previous sample and the latency
// statistics over the window.
func (m *metricsTracker) sample(now time.Time) {
	messages := m.messagesSent + m.messagesReceived
	bytes := m.bytesSent + m.bytesReceived

	if elapsed := now.Sub(m.lastSampleAt).Seconds(); elapsed > 0 {
		m.messagesPerSecond = float64(messages-m.lastSampleMessages) / elapsed
		m.bytesPerSecond = float64(bytes-m.lastSampleBytes) / elapsed
	}
	m.lastSampleAt = now
	m.lastSampleMessages = messages
	m.lastSampleBytes = bytes

	if len(m.latencies) == 0 {
		m.avgLatency, m.minLatency, m.maxLatency = 0, 0, 0
		return
	}
	var total time.Duration
	m.minLatency, m.maxLatency = m.latencies[0], m.latencies[0]
	for _, d := range m.latencies {
		total += d
		if d < m.minLatency {
			m.minLatency = d
		}
		if d > m.maxLatency {
			m.maxLatency = d
		}
	}
	m.avgLatency = total / time.Duration(len(m.latencies))
}

// resetTraffic zeroes the per-connection counters. Lifecycle counters
// survive so fallbacks and reconnects stay visible across connections.
func (m *metricsTracker) resetTraffic(now time.Time) {
	m.messagesSent, m.messagesReceived = 0, 0
	m.bytesSent, m.bytesReceived = 0, 0
	m.messagesPerSecond, m.bytesPerSecond = 0, 0
	m.latencies = m.latencies[:0]
	m.next = 0
	m.avgLatency, m.minLatency, m.maxLatency, m.lastLatency = 0, 0, 0, 0
	m.lastSampleAt = now
	m.lastSampleMessages, m.lastSampleBytes = 0, 0
}

// resetAll zeroes every counter and clears the latency window.
func (m *metricsTracker) resetAll(now time.Time) {
	m.resetTraffic(now)
	m.reconnectCount = 0
	m.errorCount = 0
	m.lastError = ""
	m.fallbackCount = 0
	m.migrationCount = 0
}

func (m *metricsTracker) snapshot(typ transport.Type, state ConnectionState, connectedAt, now time.Time) PerformanceMetrics {
	s := PerformanceMetrics{
		TransportType:     typ,
		ConnectionState:   state,
		ConnectedAt:       connectedAt,
		MessagesSent:      m.messagesSent,
		MessagesReceived:  m.messagesReceived,
		BytesSent:         m.bytesSent,
		BytesReceived:     m.bytesReceived,
		MessagesPerSecond: m.messagesPerSecond,
		BytesPerSecond:    m.bytesPerSecond,
		AverageLatency:    m.avgLatency,
		MinLatency:        m.minLatency,
		MaxLatency:        m.maxLatency,
		LastLatency:       m.lastLatency,
		ReconnectCount:    m.reconnectCount,
		ErrorCount:        m.errorCount,
		LastError:         m.lastError,
		FallbackCount:     m.fallbackCount,
		MigrationCount:    m.migrationCount,
	}
	if !connectedAt.IsZero() {
		s.ConnectionDuration = now.Sub(connectedAt)
	}
	return s
}
