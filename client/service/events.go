package service

import (
	"sort"
	"sync"
	"time"

	"github.com/quantarax/realtime/client/transport"
	"github.com/quantarax/realtime/internal/observability"
)

// ConnectionState is the manager's connection lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var allStates = []string{
	StateDisconnected.String(),
	StateConnecting.String(),
	StateConnected.String(),
	StateReconnecting.String(),
	StateFailed.String(),
}

// Event is the closed set of notifications the manager publishes.
type Event interface {
	Name() string
	isEvent()
}

// ConnectedEvent is published when a transport becomes active.
type ConnectedEvent struct {
	Transport transport.Type
	At        time.Time
}

// DisconnectedEvent is published when the active transport goes away.
// Reason is "manual", "migrate" or the transport's close reason.
type DisconnectedEvent struct {
	Reason string
	Err    error
}

// MessageEvent carries one inbound payload.
type MessageEvent struct {
	Payload   []byte
	ID        string // empty when the payload carries no id
	Transport transport.Type
}

// ErrorEvent reports a recovered or fatal failure.
type ErrorEvent struct {
	Err error
}

// StateChangeEvent is published on every state transition.
type StateChangeEvent struct {
	From, To ConnectionState
}

// MetricsUpdateEvent is published on every sampling tick.
type MetricsUpdateEvent struct {
	Metrics PerformanceMetrics
}

func (ConnectedEvent) Name() string     { return "connected" }
func (DisconnectedEvent) Name() string  { return "disconnected" }
func (MessageEvent) Name() string       { return "message" }
func (ErrorEvent) Name() string         { return "error" }
func (StateChangeEvent) Name() string   { return "state_change" }
func (MetricsUpdateEvent) Name() string { return "metrics_update" }

func (ConnectedEvent) isEvent()     {}
func (DisconnectedEvent) isEvent()  {}
func (MessageEvent) isEvent()       {}
func (ErrorEvent) isEvent()         {}
func (StateChangeEvent) isEvent()   {}
func (MetricsUpdateEvent) isEvent() {}

type subscription struct {
	id uint64
	fn func(Event)
}

// EventBus delivers events synchronously to every subscriber in
// subscription order. A panicking listener is logged and skipped.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Event)
	log    *observability.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(log *observability.Logger) *EventBus {
	if log == nil {
		log = observability.Nop()
	}
	return &EventBus{
		subs: make(map[uint64]func(Event)),
		log:  log,
	}
}

// Subscribe registers fn for every event and returns its unsubscribe func.
func (b *EventBus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// On subscribes fn to events of type E only.
func On[E Event](b *EventBus, fn func(E)) func() {
	return b.Subscribe(func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// Publish delivers ev to every current subscriber.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for id, fn := range b.subs {
		subs = append(subs, subscription{id: id, fn: fn})
	}
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, s := range subs {
		b.deliver(ev, s.fn)
	}
}

func (b *EventBus) deliver(ev Event, fn func(Event)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.ListenerPanicked(ev.Name(), r)
		}
	}()
	fn(ev)
}

// SubscriberCount returns the number of active subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
