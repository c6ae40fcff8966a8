// Package transport implements the QUIC and WebSocket client transports and
// the stream-id allocator used for QUIC multiplexing.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrConnectFailed      = errors.New("transport connect failed")
	ErrSendFailed         = errors.New("transport send failed")
	ErrHealthTimeout      = errors.New("connection inactive beyond timeout")
	ErrNoAvailableStreams = errors.New("no available streams in category")
	ErrInvalidStreamID    = errors.New("stream id not allocated")
	ErrUnknownCategory    = errors.New("unknown stream category")
	ErrQueueOverflow      = errors.New("outbound queue overflow")
	ErrMessageTooLarge    = errors.New("inbound message exceeds size limit")
	ErrQUICUnavailable    = errors.New("quic unavailable")
)

// Type identifies a transport implementation.
type Type int

const (
	TypeUnknown Type = iota
	TypeQUIC
	TypeWebSocket
)

func (t Type) String() string {
	switch t {
	case TypeQUIC:
		return "quic"
	case TypeWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) Type {
	switch strings.ToLower(s) {
	case "quic":
		return TypeQUIC
	case "websocket", "ws":
		return TypeWebSocket
	default:
		return TypeUnknown
	}
}

// Category labels an outbound message; on QUIC it selects the stream-id range.
type Category int

const (
	CategoryControl Category = iota
	CategoryChatMessage
	CategoryFileTransfer
	CategoryBotCommand
)

func (c Category) String() string {
	switch c {
	case CategoryControl:
		return "control"
	case CategoryChatMessage:
		return "chat_message"
	case CategoryFileTransfer:
		return "file_transfer"
	case CategoryBotCommand:
		return "bot_command"
	default:
		return "unknown"
	}
}

// CloseEvent describes an unsolicited close. Transports never report a close
// caused by their own Disconnect.
type CloseEvent struct {
	Reason   string
	Err      error // nil on graceful close
	Graceful bool
}

// Transport is the contract shared by QuicTransport and WebSocketTransport,
// so the manager can swap them without knowing which one is active.
type Transport interface {
	// Connect blocks until the transport is usable or ctx is done.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down. Safe to call multiple times.
	Disconnect() error

	// Send delivers one opaque payload. The category is a hint only
	// transports with per-message streams use.
	Send(ctx context.Context, payload []byte, category Category) error

	IsConnected() bool
	Type() Type

	OnMessage(fn func(payload []byte))
	OnClose(fn func(CloseEvent))
	OnError(fn func(error))
}

// Backlogger is implemented by transports that queue sends while down, so a
// replacement transport can take over what the old one never delivered.
type Backlogger interface {
	// Handoff retires the transport and returns its unsent backlog in order.
	// Sends made afterwards fail with ErrNotConnected.
	Handoff() []QueuedMessage

	// Requeue places msgs ahead of anything already queued.
	Requeue(msgs []QueuedMessage)
}

// handlers stores the callbacks registered on a transport.
type handlers struct {
	mu        sync.RWMutex
	onMessage func([]byte)
	onClose   func(CloseEvent)
	onError   func(error)
}

func (h *handlers) OnMessage(fn func(payload []byte)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

func (h *handlers) OnClose(fn func(CloseEvent)) {
	h.mu.Lock()
	h.onClose = fn
	h.mu.Unlock()
}

func (h *handlers) OnError(fn func(error)) {
	h.mu.Lock()
	h.onError = fn
	h.mu.Unlock()
}

func (h *handlers) emitMessage(payload []byte) {
	h.mu.RLock()
	fn := h.onMessage
	h.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

func (h *handlers) emitClose(ev CloseEvent) {
	h.mu.RLock()
	fn := h.onClose
	h.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (h *handlers) emitError(err error) {
	h.mu.RLock()
	fn := h.onError
	h.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
