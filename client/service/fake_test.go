package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quantarax/realtime/client/config"
	"github.com/quantarax/realtime/client/transport"
)

type sentMessage struct {
	payload  []byte
	category transport.Category
}

// fakeTransport is an in-memory transport.Transport.
type fakeTransport struct {
	typ        transport.Type
	connectErr error
	hang       bool
	echo       bool

	mu          sync.Mutex
	connected   bool
	disconnects int
	sent        []sentMessage
	onMessage   func([]byte)
	onClose     func(transport.CloseEvent)
	onError     func(error)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte, category transport.Category) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, sentMessage{payload: payload, category: category})
	echo := f.echo
	f.mu.Unlock()

	if echo {
		f.deliver(payload)
	}
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Type() transport.Type { return f.typ }

func (f *fakeTransport) OnMessage(fn func([]byte)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnClose(fn func(transport.CloseEvent)) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnError(fn func(error)) {
	f.mu.Lock()
	f.onError = fn
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(payload []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// drop simulates an unsolicited close.
func (f *fakeTransport) drop(reason string, err error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn(transport.CloseEvent{Reason: reason, Err: err, Graceful: err == nil})
	}
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// fakeNetwork hands out fake transports whose behaviour is fixed at creation.
type fakeNetwork struct {
	mu       sync.Mutex
	quicErr  error
	quicHang bool
	wsErr    error
	echo     bool
	quic     []*fakeTransport
	ws       []*fakeTransport
}

func (n *fakeNetwork) factory(withQUIC bool) transport.Factory {
	f := transport.Factory{
		NewWebSocket: func() transport.Transport { return n.newTransport(transport.TypeWebSocket) },
	}
	if withQUIC {
		f.NewQUIC = func() transport.Transport { return n.newTransport(transport.TypeQUIC) }
	}
	return f
}

func (n *fakeNetwork) newTransport(typ transport.Type) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &fakeTransport{typ: typ, echo: n.echo}
	if typ == transport.TypeQUIC {
		t.connectErr = n.quicErr
		t.hang = n.quicHang
		n.quic = append(n.quic, t)
	} else {
		t.connectErr = n.wsErr
		n.ws = append(n.ws, t)
	}
	return t
}

func (n *fakeNetwork) setQUIC(err error, hang bool) {
	n.mu.Lock()
	n.quicErr, n.quicHang = err, hang
	n.mu.Unlock()
}

func (n *fakeNetwork) setWebSocket(err error) {
	n.mu.Lock()
	n.wsErr = err
	n.mu.Unlock()
}

func (n *fakeNetwork) counts() (quic, ws int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.quic), len(n.ws)
}

func (n *fakeNetwork) lastQUIC() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.quic) == 0 {
		return nil
	}
	return n.quic[len(n.quic)-1]
}

func (n *fakeNetwork) lastWebSocket() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.ws) == 0 {
		return nil
	}
	return n.ws[len(n.ws)-1]
}

// recorder collects every published event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(m *Manager) *recorder {
	r := &recorder{}
	m.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) named(name string) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() config.Config {
	cfg := *config.DefaultConfig()
	cfg.QUICConnectTimeout = 50 * time.Millisecond
	cfg.QUICRetryInterval = time.Hour
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.MetricsInterval = time.Hour
	cfg.Cache.Backend = "memory"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
