package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/quantarax/realtime/internal/observability"
)

// WebSocketOptions configures a WebSocketTransport.
type WebSocketOptions struct {
	Endpoint       string
	QueueCapacity  int
	MaxSendRetries int
	DedupWindow    time.Duration
	DedupCapacity  int
	DedupByContent bool
	ReadLimit      int64
	DialOptions    *websocket.DialOptions
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// WebSocketTransport is the ordered fallback transport. Sends made while it
// is down are queued and flushed in order on the next connect; inbound
// duplicates are suppressed by message id.
type WebSocketTransport struct {
	handlers

	opts    WebSocketOptions
	log     *observability.Logger
	metrics *observability.Metrics

	// sendMu serializes direct writes with queue flushes to keep send order.
	sendMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel  context.CancelFunc
	queue   *outboundQueue
	dedup   *DedupWindow
	retired bool
}

// NewWebSocketTransport creates a disconnected transport.
func NewWebSocketTransport(opts WebSocketOptions) *WebSocketTransport {
	if opts.MaxSendRetries < 0 {
		opts.MaxSendRetries = 0
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 16 << 20
	}
	log := opts.Logger
	if log == nil {
		log = observability.Nop()
	}
	return &WebSocketTransport{
		opts:    opts,
		log:     log.WithTransport(TypeWebSocket.String(), opts.Endpoint),
		metrics: opts.Metrics,
		queue:   newOutboundQueue(opts.QueueCapacity),
		dedup:   NewDedupWindow(opts.DedupWindow, opts.DedupCapacity),
	}
}

// Type reports TypeWebSocket.
func (t *WebSocketTransport) Type() Type { return TypeWebSocket }

// IsConnected reports whether the socket is open.
func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect dials the endpoint and flushes queued messages.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if t.IsConnected() {
		return nil
	}

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, t.opts.Endpoint, t.opts.DialOptions)
	if err != nil {
		t.log.ConnectionFailed(TypeWebSocket.String(), t.opts.Endpoint, err)
		return fmt.Errorf("%w: websocket dial %s: %v", ErrConnectFailed, t.opts.Endpoint, err)
	}
	conn.SetReadLimit(t.opts.ReadLimit)

	rctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.conn != nil {
		// lost a race with a concurrent Connect
		t.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return nil
	}
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	t.log.ConnectionEstablished(TypeWebSocket.String(), t.opts.Endpoint, time.Since(start))

	go t.readLoop(rctx, conn)
	go t.pruneLoop(rctx)

	t.sendMu.Lock()
	t.flushLocked(ctx)
	t.sendMu.Unlock()
	return nil
}

// Disconnect closes the socket without reporting a close event.
func (t *WebSocketTransport) Disconnect() error {
	t.mu.Lock()
	conn, cancel := t.conn, t.cancel
	t.conn, t.cancel = nil, nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		t.log.Debug("websocket close: " + err.Error())
	}
	cancel()
	return nil
}

// Send writes payload, or queues it while the socket is down. Queued
// messages count as accepted.
func (t *WebSocketTransport) Send(ctx context.Context, payload []byte, _ Category) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	conn := t.conn
	backlog := t.queue.len()
	retired := t.retired
	t.mu.Unlock()

	if retired {
		return ErrNotConnected
	}
	if conn == nil {
		t.enqueue(payload)
		return nil
	}
	if backlog > 0 {
		t.enqueue(payload)
		t.flushLocked(ctx)
		return nil
	}

	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		err = fmt.Errorf("%w: %v", ErrSendFailed, err)
		t.emitError(err)
		return err
	}
	return nil
}

// QueueLen returns the number of queued outbound messages.
func (t *WebSocketTransport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.len()
}

// Queued returns a copy of the outbound queue.
func (t *WebSocketTransport) Queued() []QueuedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.snapshot()
}

// Handoff retires the transport and returns its unsent backlog in order.
func (t *WebSocketTransport) Handoff() []QueuedMessage {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	t.retired = true
	msgs := t.queue.drain()
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.QueueDepth.Set(0)
	}
	return msgs
}

// Requeue places msgs ahead of the current queue. They go out on the next
// flush.
func (t *WebSocketTransport) Requeue(msgs []QueuedMessage) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	evicted := t.queue.prepend(msgs)
	depth := t.queue.len()
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.QueueDepth.Set(float64(depth))
	}
	for _, e := range evicted {
		t.log.MessageDropped(e.ID, "overflow", e.RetryCount)
		if t.metrics != nil {
			t.metrics.RecordQueueDrop("overflow")
		}
		t.emitError(fmt.Errorf("%w: dropped %s", ErrQueueOverflow, e.ID))
	}
}

func (t *WebSocketTransport) enqueue(payload []byte) {
	p := make([]byte, len(payload))
	copy(p, payload)

	id, ok := MessageID(p)
	if !ok {
		id = uuid.NewString()
	}

	t.mu.Lock()
	evicted, dropped := t.queue.push(QueuedMessage{ID: id, Payload: p, EnqueuedAt: time.Now()})
	depth := t.queue.len()
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.QueueDepth.Set(float64(depth))
	}
	if dropped {
		t.log.MessageDropped(evicted.ID, "overflow", evicted.RetryCount)
		if t.metrics != nil {
			t.metrics.RecordQueueDrop("overflow")
		}
		t.emitError(fmt.Errorf("%w: dropped %s", ErrQueueOverflow, evicted.ID))
	}
}

// flushLocked drains the queue in order. It stops at the first failed
// write; the entry stays at the head until it exceeds MaxSendRetries.
// Caller holds sendMu.
func (t *WebSocketTransport) flushLocked(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		head, ok := t.queue.peek()
		t.mu.Unlock()
		if !ok || conn == nil {
			break
		}

		if err := conn.Write(ctx, websocket.MessageBinary, head.Payload); err != nil {
			t.mu.Lock()
			retries := t.queue.bumpRetry()
			dropped := retries > t.opts.MaxSendRetries
			if dropped {
				t.queue.pop()
			}
			t.mu.Unlock()

			if dropped {
				t.log.MessageDropped(head.ID, "retries exhausted", retries)
				if t.metrics != nil {
					t.metrics.RecordQueueDrop("retries")
				}
			}
			t.emitError(fmt.Errorf("%w: flush %s: %v", ErrSendFailed, head.ID, err))
			break
		}

		t.mu.Lock()
		t.queue.pop()
		t.mu.Unlock()
	}

	if t.metrics != nil {
		t.metrics.QueueDepth.Set(float64(t.QueueLen()))
	}
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.connectionLost(conn, err)
			return
		}
		if t.isDuplicate(data) {
			if t.metrics != nil {
				t.metrics.DuplicatesSuppressed.Inc()
			}
			continue
		}
		t.emitMessage(data)
	}
}

func (t *WebSocketTransport) isDuplicate(data []byte) bool {
	id, ok := MessageID(data)
	if !ok {
		if !t.opts.DedupByContent {
			return false
		}
		id = ContentKey(data)
	}
	return t.dedup.Seen(id)
}

func (t *WebSocketTransport) pruneLoop(ctx context.Context) {
	interval := t.opts.DedupWindow / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.dedup.Prune()
		}
	}
}

// connectionLost reports a close the client did not ask for. Status 1000
// and 1001 count as graceful.
func (t *WebSocketTransport) connectionLost(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.conn, t.cancel = nil, nil
	t.mu.Unlock()
	cancel()

	ev := CloseEvent{Reason: "network-error", Err: err}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		ev = CloseEvent{Reason: "closed-by-peer", Graceful: true}
	default:
		t.log.Error(err, "websocket connection lost")
		t.emitError(fmt.Errorf("websocket read: %w", err))
	}
	t.emitClose(ev)
}
