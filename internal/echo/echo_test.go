package echo

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialEcho(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func TestWebSocketEcho(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.WebSocketHandler())
	defer srv.Close()

	conn := dialEcho(t, srv)
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, msg := range []string{`{"id":"1"}`, `{"id":"2"}`} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if typ != websocket.MessageText || string(data) != msg {
			t.Errorf("Expected %s echoed as text, got %v %s", msg, typ, data)
		}
	}

	stats := s.Stats()
	if stats.MessagesEchoed != 2 || stats.BytesEchoed != 20 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.ActiveConnections != 1 || stats.TotalConnections != 1 {
		t.Errorf("Expected one tracked connection, got %+v", stats)
	}
}

func TestDropConnectionsClosesClients(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.WebSocketHandler())
	defer srv.Close()

	conn := dialEcho(t, srv)
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().ActiveConnections == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	go s.DropConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("Expected going-away close, got %v (%v)", got, err)
	}
}

func TestServeQUICRequiresListener(t *testing.T) {
	s := NewServer(nil)
	if err := s.ServeQUIC(context.Background()); err == nil {
		t.Error("Expected error serving without a listener")
	}
}

func TestClosedServerRejectsWebSocket(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.WebSocketHandler())
	defer srv.Close()

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	conn := dialEcho(t, srv)
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("Expected going-away close, got %v (%v)", got, err)
	}
}

func TestConnectionLimitRejectsExcess(t *testing.T) {
	s := NewServer(nil)
	s.SetConnectionLimit(0.001, 1)
	srv := httptest.NewServer(s.WebSocketHandler())
	defer srv.Close()

	conn := dialEcho(t, srv)
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("Expected the second connection to be rejected")
	}
	if got := s.Stats().RejectedConns; got != 1 {
		t.Errorf("Expected 1 rejected connection, got %d", got)
	}
}
