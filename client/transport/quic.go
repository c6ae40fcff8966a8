package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quantarax/realtime/internal/observability"
)

const (
	closeCodeNormal        quic.ApplicationErrorCode = 0
	closeCodeHealthTimeout quic.ApplicationErrorCode = 0x10
	streamCodeCancelled    quic.StreamErrorCode      = 0
)

// QUICOptions configures a QuicTransport.
type QUICOptions struct {
	Endpoint          string
	TLSConfig         *tls.Config
	QUICConfig        *quic.Config
	HealthInterval    time.Duration
	InactivityTimeout time.Duration
	MaxMessageSize    int64
	Logger            *observability.Logger
	Metrics           *observability.Metrics
}

// QuicTransport sends every message on its own bidirectional stream and
// treats every inbound stream as exactly one message.
type QuicTransport struct {
	handlers

	opts    QUICOptions
	log     *observability.Logger
	metrics *observability.Metrics
	alloc   *StreamAllocator

	lastActivity atomic.Int64

	mu      sync.Mutex
	conn    *quic.Conn
	cancel  context.CancelFunc
	streams map[int]*quic.Stream
}

// NewQuicTransport creates a disconnected transport.
func NewQuicTransport(opts QUICOptions) *QuicTransport {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 30 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 16 << 20
	}
	if opts.QUICConfig == nil {
		opts.QUICConfig = &quic.Config{
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  60 * time.Second,
		}
	}
	log := opts.Logger
	if log == nil {
		log = observability.Nop()
	}
	return &QuicTransport{
		opts:    opts,
		log:     log.WithTransport(TypeQUIC.String(), opts.Endpoint),
		metrics: opts.Metrics,
		alloc:   NewStreamAllocator(),
		streams: make(map[int]*quic.Stream),
	}
}

// Type reports TypeQUIC.
func (t *QuicTransport) Type() Type { return TypeQUIC }

// Allocator exposes the stream-id allocator.
func (t *QuicTransport) Allocator() *StreamAllocator { return t.alloc }

// IsConnected reports whether a session is established.
func (t *QuicTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect dials the endpoint and blocks until the handshake completes. The
// caller bounds the wait through ctx.
func (t *QuicTransport) Connect(ctx context.Context) error {
	if t.IsConnected() {
		return nil
	}

	addr, err := quicAddr(t.opts.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	tlsConf := t.opts.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	start := time.Now()
	conn, err := quic.DialAddr(ctx, addr, tlsConf.Clone(), t.opts.QUICConfig)
	if err != nil {
		t.log.ConnectionFailed(TypeQUIC.String(), addr, err)
		return fmt.Errorf("%w: quic dial %s: %v", ErrConnectFailed, addr, err)
	}

	sctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		cancel()
		_ = conn.CloseWithError(closeCodeNormal, "duplicate connection")
		return nil
	}
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	t.touch()
	t.log.ConnectionEstablished(TypeQUIC.String(), addr, time.Since(start))

	go t.acceptLoop(sctx, conn)
	go t.healthLoop(sctx, conn)
	go t.watchSession(sctx, conn)
	return nil
}

// Send opens one stream for payload, writes it, closes the write side and
// releases the stream id.
func (t *QuicTransport) Send(ctx context.Context, payload []byte, category Category) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	id, err := t.alloc.Allocate(category)
	if err != nil {
		return err
	}
	defer func() {
		if err := t.alloc.Release(id); err != nil && !errors.Is(err, ErrInvalidStreamID) {
			t.log.Error(err, "release stream id")
		}
	}()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		err = fmt.Errorf("%w: open stream: %v", ErrSendFailed, err)
		t.emitError(err)
		return err
	}
	t.trackStream(id, stream)
	defer t.untrackStream(id)

	if _, err := stream.Write(payload); err != nil {
		stream.CancelWrite(streamCodeCancelled)
		err = fmt.Errorf("%w: write stream %d: %v", ErrSendFailed, id, err)
		t.emitError(err)
		return err
	}
	if err := stream.Close(); err != nil {
		err = fmt.Errorf("%w: close stream %d: %v", ErrSendFailed, id, err)
		t.emitError(err)
		return err
	}
	// replies arrive on peer-opened streams
	stream.CancelRead(streamCodeCancelled)

	t.touch()
	t.log.StreamSent(category.String(), id, len(payload))
	return nil
}

// Disconnect stops the monitor, cancels open streams, releases every id and
// closes the session. No close event is reported.
func (t *QuicTransport) Disconnect() error {
	t.mu.Lock()
	conn, cancel := t.conn, t.cancel
	streams := t.streams
	t.conn, t.cancel = nil, nil
	t.streams = make(map[int]*quic.Stream)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	t.teardownStreams(streams)

	if err := conn.CloseWithError(closeCodeNormal, "client disconnect"); err != nil {
		t.log.Debug("quic close: " + err.Error())
	}
	return nil
}

func (t *QuicTransport) teardownStreams(streams map[int]*quic.Stream) {
	for id, s := range streams {
		s.CancelRead(streamCodeCancelled)
		if err := s.Close(); err != nil {
			t.log.Error(err, fmt.Sprintf("close stream %d", id))
		}
	}
	if released := t.alloc.ReleaseAll(); released > 0 {
		t.log.Debug(fmt.Sprintf("released %d stream ids", released))
	}
	if t.metrics != nil {
		t.metrics.QUICStreamsActive.Set(0)
	}
}

func (t *QuicTransport) trackStream(id int, s *quic.Stream) {
	t.mu.Lock()
	t.streams[id] = s
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.QUICStreamsActive.Inc()
	}
}

func (t *QuicTransport) untrackStream(id int) {
	t.mu.Lock()
	_, ok := t.streams[id]
	delete(t.streams, id)
	t.mu.Unlock()
	if ok && t.metrics != nil {
		t.metrics.QUICStreamsActive.Dec()
	}
}

func (t *QuicTransport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

func (t *QuicTransport) idleFor() time.Duration {
	return time.Since(time.Unix(0, t.lastActivity.Load()))
}

// acceptLoop treats every peer-opened stream as one discrete message.
func (t *QuicTransport) acceptLoop(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			// session closure is reported by watchSession
			return
		}
		t.touch()
		go t.readStream(stream)
	}
}

func (t *QuicTransport) readStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := io.ReadAll(io.LimitReader(stream, t.opts.MaxMessageSize+1))
	if err != nil {
		t.emitError(fmt.Errorf("read stream %d: %w", stream.StreamID(), err))
		return
	}
	if int64(len(data)) > t.opts.MaxMessageSize {
		stream.CancelRead(streamCodeCancelled)
		t.emitError(fmt.Errorf("%w: stream %d", ErrMessageTooLarge, stream.StreamID()))
		return
	}

	t.touch()
	t.emitMessage(data)
}

// healthLoop declares the session dead after InactivityTimeout without
// traffic in either direction.
func (t *QuicTransport) healthLoop(ctx context.Context, conn *quic.Conn) {
	ticker := time.NewTicker(t.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle := t.idleFor(); idle > t.opts.InactivityTimeout {
				t.declareDead(conn, idle)
				return
			}
		}
	}
}

func (t *QuicTransport) declareDead(conn *quic.Conn, idle time.Duration) {
	if !t.detach(conn) {
		return
	}
	_ = conn.CloseWithError(closeCodeHealthTimeout, "inactivity timeout")

	err := fmt.Errorf("%w: idle %s", ErrHealthTimeout, idle.Round(time.Millisecond))
	t.log.Error(err, "quic health check failed")
	t.emitError(err)
	t.emitClose(CloseEvent{Reason: "health-timeout", Err: err})
}

// watchSession reports closes initiated by the peer or by quic-go itself.
func (t *QuicTransport) watchSession(ctx context.Context, conn *quic.Conn) {
	select {
	case <-ctx.Done():
		return
	case <-conn.Context().Done():
	}

	if !t.detach(conn) {
		return
	}

	cause := context.Cause(conn.Context())
	ev := CloseEvent{Reason: "session-closed", Err: cause}

	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	switch {
	case errors.As(cause, &appErr) && appErr.ErrorCode == closeCodeNormal:
		ev = CloseEvent{Reason: "closed-by-peer", Graceful: true}
	case errors.As(cause, &idleErr):
		ev.Reason = "idle-timeout"
	}
	if !ev.Graceful {
		t.log.Error(cause, "quic session lost")
		t.emitError(fmt.Errorf("quic session: %w", cause))
	}
	t.emitClose(ev)
}

// detach clears conn if it is still current and reports whether it was.
func (t *QuicTransport) detach(conn *quic.Conn) bool {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return false
	}
	cancel := t.cancel
	streams := t.streams
	t.conn, t.cancel = nil, nil
	t.streams = make(map[int]*quic.Stream)
	t.mu.Unlock()

	cancel()
	t.teardownStreams(streams)
	return true
}

// quicAddr accepts "host:port" or a quic://, https:// URL.
func quicAddr(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("empty quic endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse quic endpoint: %w", err)
	}
	if u.Port() == "" {
		return u.Hostname() + ":443", nil
	}
	return u.Host, nil
}
