// Package echo implements a development peer that echoes every QUIC stream
// and every WebSocket message back to its sender.
package echo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.opentelemetry.io/otel"
	"nhooyr.io/websocket"

	"github.com/quantarax/realtime/internal/observability"
	"github.com/quantarax/realtime/internal/ratelimit"
)

const (
	maxMessageSize = 16 << 20

	closeCodeRateLimited quic.ApplicationErrorCode = 0x20
)

// Stats is a point-in-time view of the server counters.
type Stats struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	MessagesEchoed    int64 `json:"messages_echoed"`
	BytesEchoed       int64 `json:"bytes_echoed"`
	RejectedConns     int64 `json:"rejected_connections"`
}

// Server echoes messages over QUIC and WebSocket.
type Server struct {
	log *observability.Logger

	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	messagesEchoed    atomic.Int64
	bytesEchoed       atomic.Int64

	rejectedConnections atomic.Int64

	mu        sync.Mutex
	limiter   *ratelimit.TokenBucket
	listener  *quic.Listener
	quicConns map[*quic.Conn]struct{}
	wsConns   map[*websocket.Conn]struct{}
	closed    bool
}

// NewServer creates an idle server.
func NewServer(log *observability.Logger) *Server {
	if log == nil {
		log = observability.Nop()
	}
	return &Server{
		log:       log.WithComponent("echo"),
		quicConns: make(map[*quic.Conn]struct{}),
		wsConns:   make(map[*websocket.Conn]struct{}),
	}
}

// SetConnectionLimit admits at most rate new connections per second with the
// given burst. A rate of zero or less removes the limit.
func (s *Server) SetConnectionLimit(rate float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = ratelimit.NewTokenBucket(rate, burst)
}

func (s *Server) admit() bool {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	if limiter == nil || limiter.Allow(1) {
		return true
	}
	s.rejectedConnections.Add(1)
	return false
}

// ListenQUIC binds the QUIC listener. Serve must be called to accept.
func (s *Server) ListenQUIC(addr string, tlsConf *tls.Config) (net.Addr, error) {
	quicConf := &quic.Config{MaxIdleTimeout: 30 * time.Second, KeepAlivePeriod: 10 * time.Second}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("quic echo listening on " + ln.Addr().String())
	return ln.Addr(), nil
}

// ServeQUIC accepts connections until ctx is done or Close is called.
func (s *Server) ServeQUIC(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("quic listener not started")
	}

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.admit() {
			s.log.Warn("connection rate exceeded, rejecting " + conn.RemoteAddr().String())
			_ = conn.CloseWithError(closeCodeRateLimited, "connection rate exceeded")
			continue
		}
		if !s.trackQUIC(conn) {
			_ = conn.CloseWithError(0, "server closing")
			return nil
		}
		go s.handleQUIC(ctx, conn)
	}
}

func (s *Server) trackQUIC(conn *quic.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.quicConns[conn] = struct{}{}
	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	return true
}

func (s *Server) untrackQUIC(conn *quic.Conn) {
	s.mu.Lock()
	if _, ok := s.quicConns[conn]; ok {
		delete(s.quicConns, conn)
		s.activeConnections.Add(-1)
	}
	s.mu.Unlock()
}

func (s *Server) handleQUIC(ctx context.Context, conn *quic.Conn) {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "echo.handleQUIC")
	defer span.End()
	defer s.untrackQUIC(conn)

	s.log.Debug("accepted quic connection from " + conn.RemoteAddr().String())
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.echoStream(ctx, conn, stream)
	}
}

// echoStream reads one message to EOF and writes it back on a new stream.
func (s *Server) echoStream(ctx context.Context, conn *quic.Conn, in *quic.Stream) {
	data, err := io.ReadAll(io.LimitReader(in, maxMessageSize))
	in.Close()
	if err != nil {
		s.log.Error(err, "read quic stream")
		return
	}

	out, err := conn.OpenStreamSync(ctx)
	if err != nil {
		s.log.Error(err, "open reply stream")
		return
	}
	if _, err := out.Write(data); err != nil {
		out.CancelWrite(0)
		s.log.Error(err, "write reply stream")
		return
	}
	out.Close()
	out.CancelRead(0)

	s.messagesEchoed.Add(1)
	s.bytesEchoed.Add(int64(len(data)))
}

// WebSocketHandler upgrades requests and echoes every message as a binary frame.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admit() {
			http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Error(err, "websocket accept")
			return
		}
		conn.SetReadLimit(maxMessageSize)
		if !s.trackWS(conn) {
			conn.Close(websocket.StatusGoingAway, "server closing")
			return
		}
		defer s.untrackWS(conn)

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				s.log.Error(err, "websocket echo")
				return
			}
			s.messagesEchoed.Add(1)
			s.bytesEchoed.Add(int64(len(data)))
		}
	})
}

func (s *Server) trackWS(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wsConns[conn] = struct{}{}
	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	return true
}

func (s *Server) untrackWS(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.wsConns[conn]; ok {
		delete(s.wsConns, conn)
		s.activeConnections.Add(-1)
	}
	s.mu.Unlock()
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections: s.activeConnections.Load(),
		TotalConnections:  s.totalConnections.Load(),
		MessagesEchoed:    s.messagesEchoed.Load(),
		BytesEchoed:       s.bytesEchoed.Load(),
		RejectedConns:     s.rejectedConnections.Load(),
	}
}

// DropConnections closes every live connection gracefully but keeps the
// listeners open.
func (s *Server) DropConnections() {
	s.mu.Lock()
	quicConns := make([]*quic.Conn, 0, len(s.quicConns))
	for c := range s.quicConns {
		quicConns = append(quicConns, c)
	}
	wsConns := make([]*websocket.Conn, 0, len(s.wsConns))
	for c := range s.wsConns {
		wsConns = append(wsConns, c)
	}
	s.mu.Unlock()

	for _, c := range quicConns {
		_ = c.CloseWithError(0, "server closing")
	}
	for _, c := range wsConns {
		_ = c.Close(websocket.StatusGoingAway, "server closing")
	}
}

// Close drops every connection and stops the QUIC listener.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	s.DropConnections()
	if ln != nil {
		return ln.Close()
	}
	return nil
}
