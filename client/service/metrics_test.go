package service

import (
	"errors"
	"testing"
	"time"

	"github.com/quantarax/realtime/client/transport"
)

func TestMetricsTrackerThroughput(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := newMetricsTracker(start)

	for i := 0; i < 10; i++ {
		m.recordSent(100)
	}
	m.sample(start.Add(2 * time.Second))

	if m.messagesPerSecond != 5 {
		t.Errorf("Expected 5 msg/s, got %v", m.messagesPerSecond)
	}
	if m.bytesPerSecond != 500 {
		t.Errorf("Expected 500 B/s, got %v", m.bytesPerSecond)
	}

	// rates cover only the interval since the previous sample
	m.recordReceived(50)
	m.sample(start.Add(3 * time.Second))
	if m.messagesPerSecond != 1 || m.bytesPerSecond != 50 {
		t.Errorf("Expected 1 msg/s and 50 B/s, got %v and %v", m.messagesPerSecond, m.bytesPerSecond)
	}
}

func TestMetricsTrackerLatencyWindow(t *testing.T) {
	now := time.Now()
	m := newMetricsTracker(now)

	m.recordLatency(time.Hour)
	for i := 1; i <= latencyWindowSize; i++ {
		m.recordLatency(time.Duration(i) * time.Millisecond)
	}
	m.sample(now.Add(time.Second))

	if m.maxLatency != 100*time.Millisecond {
		t.Errorf("Expected the oldest sample to be evicted, max=%s", m.maxLatency)
	}
	if m.minLatency != time.Millisecond {
		t.Errorf("Expected min 1ms, got %s", m.minLatency)
	}
	if want := 50500 * time.Microsecond; m.avgLatency != want {
		t.Errorf("Expected average %s, got %s", want, m.avgLatency)
	}
	if m.lastLatency != 100*time.Millisecond {
		t.Errorf("Expected last 100ms, got %s", m.lastLatency)
	}
}

func TestMetricsTrackerResets(t *testing.T) {
	now := time.Now()
	m := newMetricsTracker(now)
	m.recordSent(10)
	m.recordLatency(time.Millisecond)
	m.recordError(errors.New("boom"))
	m.reconnectCount = 3
	m.fallbackCount = 1

	m.resetTraffic(now)
	if m.messagesSent != 0 || m.bytesSent != 0 || len(m.latencies) != 0 || m.lastLatency != 0 {
		t.Error("Expected traffic counters cleared")
	}
	if m.reconnectCount != 3 || m.fallbackCount != 1 || m.errorCount != 1 {
		t.Error("Expected lifecycle counters to survive resetTraffic")
	}

	m.resetAll(now)
	if m.reconnectCount != 0 || m.fallbackCount != 0 || m.errorCount != 0 || m.lastError != "" {
		t.Error("Expected resetAll to clear lifecycle counters")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	connectedAt := time.Unix(1_700_000_000, 0)
	m := newMetricsTracker(connectedAt)
	m.recordError(errors.New("last"))

	snap := m.snapshot(transport.TypeQUIC, StateConnected, connectedAt, connectedAt.Add(90*time.Second))
	if snap.ConnectionDuration != 90*time.Second {
		t.Errorf("Expected 90s duration, got %s", snap.ConnectionDuration)
	}
	if snap.LastError != "last" || snap.ErrorCount != 1 {
		t.Errorf("Unexpected error fields %+v", snap)
	}

	idle := m.snapshot(transport.TypeUnknown, StateDisconnected, time.Time{}, connectedAt)
	if idle.ConnectionDuration != 0 {
		t.Errorf("Expected zero duration when not connected, got %s", idle.ConnectionDuration)
	}
}
