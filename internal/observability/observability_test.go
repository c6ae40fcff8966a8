package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthCheckerAggregates(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("listener", ListenerCheck("quic", ":4433"))

	if got := hc.Check(context.Background()).Status; got != HealthStatusOK {
		t.Errorf("Expected ok, got %s", got)
	}

	hc.RegisterCheck("slow", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusDegraded}
	})
	if got := hc.Check(context.Background()).Status; got != HealthStatusDegraded {
		t.Errorf("Expected degraded, got %s", got)
	}

	hc.RegisterCheck("store", PingCheck("store", func(ctx context.Context) error {
		return errors.New("unreachable")
	}))
	if got := hc.Check(context.Background()).Status; got != HealthStatusUnhealthy {
		t.Errorf("Expected unhealthy, got %s", got)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("transport", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "disconnected"}
	})

	w := httptest.NewRecorder()
	hc.Handler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	var resp HealthCheckResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Checks["transport"].Message != "disconnected" {
		t.Errorf("Expected check message in response, got %+v", resp.Checks)
	}
}

func TestPingCheckReportsSlowPing(t *testing.T) {
	check := PingCheck("store", func(ctx context.Context) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	if got := check(context.Background()).Status; got != HealthStatusDegraded {
		t.Errorf("Expected degraded for a slow ping, got %s", got)
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordConnectAttempt("quic", false, 0.2)
	m.RecordConnectAttempt("websocket", true, 0.05)
	m.RecordSent(100)
	m.RecordReceived(40)
	m.RecordError("send")
	m.FallbacksTotal.Inc()

	all := []string{"disconnected", "connecting", "connected"}
	m.SetConnectionState("connecting", all)
	m.SetConnectionState("connected", all)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()

	for _, want := range []string{
		`quantarax_connect_attempts_total{result="failure",transport="quic"} 1`,
		`quantarax_connect_attempts_total{result="success",transport="websocket"} 1`,
		`quantarax_fallbacks_total 1`,
		`quantarax_connection_state{state="connected"} 1`,
		`quantarax_connection_state{state="connecting"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in exposition output", want)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("test-service", "0.0.1", &buf).WithComponent("transport_manager")

	log.FallbackTriggered("quic timeout", 2)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "test-service" || entry["component"] != "transport_manager" {
		t.Errorf("Expected service and component fields, got %v", entry)
	}
	if entry["reason"] != "quic timeout" || entry["fallback_count"] != float64(2) {
		t.Errorf("Expected fallback fields, got %v", entry)
	}
	if entry["level"] != "warn" {
		t.Errorf("Expected warn level, got %v", entry["level"])
	}
}

func TestLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("test-service", "0.0.1", &buf)
	log.SetLevel("warn")

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered, got %q", buf.String())
	}
	log.SetLevel("bogus")
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("Expected warn to pass and an unknown level to be ignored")
	}
}
