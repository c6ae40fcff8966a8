// Package service implements the TransportManager: transport selection,
// fallback, reconnection, QUIC re-probing and telemetry.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/quantarax/realtime/client/config"
	"github.com/quantarax/realtime/client/store"
	"github.com/quantarax/realtime/client/transport"
	"github.com/quantarax/realtime/internal/observability"
)

var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrConnectAborted     = errors.New("connect aborted by disconnect")
	ErrQUICTimeout        = errors.New("quic connect timed out")
	ErrConnectInProgress  = errors.New("reconnect already in progress")
)

const (
	webSocketConnectTimeout = 10 * time.Second
	replayTimeout           = 10 * time.Second
)

// ConnectError is returned by Connect when every transport failed.
type ConnectError struct {
	QUIC      error
	WebSocket error
}

func (e *ConnectError) Error() string {
	var parts []string
	if e.QUIC != nil {
		parts = append(parts, "quic: "+e.QUIC.Error())
	}
	if e.WebSocket != nil {
		parts = append(parts, "websocket: "+e.WebSocket.Error())
	}
	if len(parts) == 0 {
		return transport.ErrConnectFailed.Error()
	}
	return transport.ErrConnectFailed.Error() + " (" + strings.Join(parts, "; ") + ")"
}

func (e *ConnectError) Unwrap() []error {
	errs := []error{transport.ErrConnectFailed}
	if e.QUIC != nil {
		errs = append(errs, e.QUIC)
	}
	if e.WebSocket != nil {
		errs = append(errs, e.WebSocket)
	}
	return errs
}

// ReconnectDelay returns min(base * 2^(attempt-1), max).
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *observability.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l.WithComponent("transport_manager")
		}
	}
}

// WithPrometheus mirrors manager counters into Prometheus collectors.
func WithPrometheus(pm *observability.Metrics) Option {
	return func(m *Manager) {
		if pm != nil {
			m.prom = pm
		}
	}
}

func WithPreferenceCache(c *store.PreferenceCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithSessionActive sets the check consulted before reconnecting after an
// unsolicited close; no reconnect happens once it reports false. fn must not
// call back into the manager.
func WithSessionActive(fn func() bool) Option {
	return func(m *Manager) {
		if fn != nil {
			m.sessionActive = fn
		}
	}
}

type sendOptions struct {
	id       string
	category transport.Category
}

// SendOption configures one Send call.
type SendOption func(*sendOptions)

// WithMessageID sets the id used for latency correlation.
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) { o.id = id }
}

// WithCategory selects the QUIC stream category; the default is ChatMessage.
func WithCategory(c transport.Category) SendOption {
	return func(o *sendOptions) { o.category = c }
}

// Manager owns the connection state machine and the active transport.
type Manager struct {
	cfg           config.Config
	factory       transport.Factory
	cache         *store.PreferenceCache
	log           *observability.Logger
	prom          *observability.Metrics
	bus           *EventBus
	tracer        oteltrace.Tracer
	sessionActive func() bool

	mu          sync.Mutex
	state       ConnectionState
	active      transport.Transport
	activeType  transport.Type
	connectedAt time.Time

	// gen invalidates every timer and callback created before the last
	// Disconnect.
	gen           uint64
	cancelConnect context.CancelFunc
	inflight      bool
	inflightGen   uint64
	attempts      int
	probing       bool

	reconnectTimer *time.Timer
	probeTimer     *time.Timer
	probeSeq       uint64
	sampleTimer    *time.Timer
	sampleSeq      uint64

	metrics *metricsTracker
	pending map[string]time.Time
	dedup   *transport.DedupWindow

	// retired is the transport lost in the last unsolicited close; its
	// unsent queue moves to backlog before the next attempt.
	retired  transport.Backlogger
	backlog  []transport.QueuedMessage
	replayed []transport.QueuedMessage
}

// NewManager creates a disconnected manager. cfg is copied.
func NewManager(cfg config.Config, factory transport.Factory, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		factory:       factory,
		log:           observability.Nop(),
		tracer:        observability.Tracer(),
		sessionActive: func() bool { return true },
		metrics:       newMetricsTracker(time.Now()),
		pending:       make(map[string]time.Time),
		dedup:         transport.NewDedupWindow(cfg.DedupWindow, cfg.DedupCapacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prom == nil {
		m.prom = observability.NewMetrics(prometheus.NewRegistry())
	}
	m.bus = NewEventBus(m.log)
	m.prom.SetConnectionState(StateDisconnected.String(), allStates)
	return m
}

// Events returns the bus the manager publishes on.
func (m *Manager) Events() *EventBus { return m.bus }

// Subscribe is shorthand for Events().Subscribe.
func (m *Manager) Subscribe(fn func(Event)) func() { return m.bus.Subscribe(fn) }

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TransportType returns the type of the active transport.
func (m *Manager) TransportType() transport.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeType
}

// IsConnected reports whether sends are currently accepted.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Connect selects and connects a transport. It is a no-op while already
// connecting or connected, and returns ErrConnectInProgress while a
// reconnect attempt is running. When every path fails the state becomes
// Failed and a *ConnectError is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.inflight && m.inflightGen == m.gen {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	stopTimer(&m.reconnectTimer)
	m.attempts = 0
	gen := m.gen
	ctx, cancel := context.WithCancel(ctx)
	m.cancelConnect = cancel
	evs := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.publish(evs...)
	defer cancel()

	m.reclaimBacklog(gen)

	t, err := m.establish(ctx, gen)
	if err != nil {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrConnectAborted, err)
		}
		m.cancelConnect = nil
		m.metrics.recordError(err)
		evs := m.setStateLocked(StateFailed)
		m.mu.Unlock()

		m.prom.RecordError("connect")
		m.log.Error(err, "all transports failed")
		m.publish(append(evs, ErrorEvent{Err: err})...)
		return err
	}
	return m.activate(t, gen)
}

// Send delivers payload on the active transport and returns the message id
// used for latency correlation.
func (m *Manager) Send(ctx context.Context, payload []byte, opts ...SendOption) (string, error) {
	o := sendOptions{category: transport.CategoryChatMessage}
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	if m.state != StateConnected || m.active == nil {
		m.mu.Unlock()
		return "", transport.ErrNotConnected
	}
	t := m.active
	id := o.id
	if id == "" {
		if pid, ok := transport.MessageID(payload); ok {
			id = pid
		} else {
			id = uuid.NewString()
		}
	}
	m.metrics.recordSent(len(payload))
	m.pending[id] = time.Now()
	m.mu.Unlock()
	m.prom.RecordSent(len(payload))

	if err := t.Send(ctx, payload, o.category); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		// write failures are counted when the transport reports them
		if !errors.Is(err, transport.ErrSendFailed) {
			m.metrics.recordError(err)
		}
		m.mu.Unlock()
		return id, err
	}
	return id, nil
}

// Disconnect cancels every timer, closes the active transport and moves to
// Disconnected. Calling it again is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected && m.active == nil && m.cancelConnect == nil {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	stopTimer(&m.reconnectTimer)
	m.stopProbeLocked()
	m.stopSamplerLocked()

	t := m.active
	now := time.Now()
	m.active = nil
	m.activeType = transport.TypeUnknown
	m.connectedAt = time.Time{}
	m.attempts = 0
	m.inflight = false
	m.probing = false
	m.pending = make(map[string]time.Time)
	m.metrics.resetTraffic(now)
	unsent := len(m.backlog)
	m.retired, m.backlog, m.replayed = nil, nil, nil
	evs := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if unsent > 0 {
		m.log.Info(fmt.Sprintf("discarding %d unsent messages", unsent))
	}

	if t != nil {
		if err := t.Disconnect(); err != nil {
			m.log.Error(err, "disconnect transport")
		}
	}
	m.publish(append(evs, DisconnectedEvent{Reason: "manual"})...)
	return nil
}

// Metrics returns a snapshot copy of the performance metrics.
func (m *Manager) Metrics() PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(time.Now())
}

// ResetMetrics zeroes every counter and clears the latency window.
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.resetAll(time.Now())
	m.pending = make(map[string]time.Time)
}

// HealthCheck reports the connection state for the health endpoint.
func (m *Manager) HealthCheck() observability.HealthCheckFunc {
	return func(ctx context.Context) observability.ComponentHealth {
		m.mu.Lock()
		state, typ := m.state, m.activeType
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return observability.ComponentHealth{
				Status:  observability.HealthStatusOK,
				Message: "connected via " + typ.String(),
			}
		case StateConnecting, StateReconnecting:
			return observability.ComponentHealth{
				Status:  observability.HealthStatusDegraded,
				Message: state.String(),
			}
		default:
			return observability.ComponentHealth{
				Status:  observability.HealthStatusUnhealthy,
				Message: state.String(),
			}
		}
	}
}

// establish runs transport selection and returns a connected transport that
// is not yet active.
func (m *Manager) establish(ctx context.Context, gen uint64) (transport.Transport, error) {
	ctx, span := m.tracer.Start(ctx, "transport.connect")
	defer span.End()

	var cerr ConnectError
	wsTried := false

	if m.cacheEnabled() {
		if pref, ok := m.cache.Get(); ok && pref.Type == transport.TypeWebSocket {
			m.log.Info("using cached websocket preference: " + pref.Reason)
			span.SetAttributes(attribute.Bool("transport.cached_preference", true))

			ws, err := m.connectWebSocket(ctx, gen)
			if err == nil {
				return ws, nil
			}
			cerr.WebSocket = err
			wsTried = true
			m.publish(ErrorEvent{Err: err})
		}
	}

	if m.factory.QUICAvailable() {
		q, err := m.connectQUIC(ctx, gen)
		if err == nil {
			m.clearCache()
			return q, nil
		}
		cerr.QUIC = err

		if !wsTried && ctx.Err() == nil {
			m.recordFallback(err)
			ws, werr := m.connectWebSocket(ctx, gen)
			if werr == nil {
				m.cacheWebSocket(err)
				return ws, nil
			}
			cerr.WebSocket = werr
		}
	} else if !wsTried {
		ws, err := m.connectWebSocket(ctx, gen)
		if err == nil {
			return ws, nil
		}
		cerr.WebSocket = err
	}

	span.RecordError(&cerr)
	span.SetStatus(codes.Error, "all transports failed")
	return nil, &cerr
}

func (m *Manager) connectQUIC(ctx context.Context, gen uint64) (transport.Transport, error) {
	ctx, span := m.tracer.Start(ctx, "transport.connect.quic")
	defer span.End()

	q := m.factory.NewQUIC()
	m.wire(q, gen)

	start := time.Now()
	err := m.raceQUIC(ctx, q)
	m.prom.RecordConnectAttempt(transport.TypeQUIC.String(), err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return q, nil
}

// raceQUIC bounds q.Connect by QUICConnectTimeout. A losing attempt is torn
// down, including one that completes after the deadline.
func (m *Manager) raceQUIC(ctx context.Context, q transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- q.Connect(ctx) }()

	timer := time.NewTimer(m.cfg.QUICConnectTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-result:
		if err != nil {
			q.Disconnect()
		}
		return err
	case <-timer.C:
		err = fmt.Errorf("%w after %s", ErrQUICTimeout, m.cfg.QUICConnectTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	cancel()
	q.Disconnect()
	go func() {
		if lateErr := <-result; lateErr == nil {
			q.Disconnect()
		}
	}()
	return err
}

func (m *Manager) connectWebSocket(ctx context.Context, gen uint64) (transport.Transport, error) {
	ctx, span := m.tracer.Start(ctx, "transport.connect.websocket")
	defer span.End()

	ws := m.factory.NewWebSocket()
	m.wire(ws, gen)

	// carried messages flush ahead of anything sent after activation
	bl, carries := ws.(transport.Backlogger)
	var carried []transport.QueuedMessage
	if carries {
		carried = m.takeBacklog(gen)
		bl.Requeue(carried)
		span.SetAttributes(attribute.Int("transport.carried_messages", len(carried)))
	}

	ctx, cancel := context.WithTimeout(ctx, webSocketConnectTimeout)
	defer cancel()

	start := time.Now()
	err := ws.Connect(ctx)
	m.prom.RecordConnectAttempt(transport.TypeWebSocket.String(), err == nil, time.Since(start).Seconds())
	if err != nil {
		ws.Disconnect()
		if carries {
			m.restoreBacklog(gen, bl.Handoff())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(carried) > 0 {
		m.mu.Lock()
		if m.gen == gen {
			m.replayed = append(m.replayed, carried...)
		}
		m.mu.Unlock()
	}
	return ws, nil
}

// activate makes t the active transport unless a Disconnect intervened.
func (m *Manager) activate(t transport.Transport, gen uint64) error {
	m.mu.Lock()
	if m.gen != gen || m.active != nil {
		aborted := m.gen != gen
		m.mu.Unlock()
		t.Disconnect()
		if aborted {
			return ErrConnectAborted
		}
		return nil
	}

	now := time.Now()
	m.cancelConnect = nil
	m.active = t
	m.activeType = t.Type()
	m.connectedAt = now
	m.attempts = 0
	m.metrics.resetTraffic(now)
	for _, msg := range m.replayed {
		m.metrics.recordSent(len(msg.Payload))
	}
	m.replayed = nil
	evs := m.setStateLocked(StateConnected)
	m.startSamplerLocked(gen)
	if m.activeType == transport.TypeWebSocket && m.factory.QUICAvailable() && m.cacheEnabled() {
		m.scheduleProbeLocked(gen)
	}
	m.mu.Unlock()

	m.publish(append(evs, ConnectedEvent{Transport: t.Type(), At: now})...)
	m.replayBacklog(t, gen)
	return nil
}

func (m *Manager) wire(t transport.Transport, gen uint64) {
	t.OnMessage(func(p []byte) { m.handleMessage(t, gen, p) })
	t.OnClose(func(ev transport.CloseEvent) { m.handleClose(t, gen, ev) })
	t.OnError(func(err error) { m.handleError(gen, err) })
}

func (m *Manager) handleMessage(t transport.Transport, gen uint64, payload []byte) {
	id, hasID := transport.MessageID(payload)
	now := time.Now()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	// a switch between transports can deliver the same message twice
	if hasID && m.dedup.Seen(id) {
		m.mu.Unlock()
		m.prom.DuplicatesSuppressed.Inc()
		return
	}
	var latency time.Duration
	correlated := false
	if hasID {
		if sentAt, ok := m.pending[id]; ok {
			latency = now.Sub(sentAt)
			correlated = true
			delete(m.pending, id)
			m.metrics.recordLatency(latency)
		}
	}
	m.metrics.recordReceived(len(payload))
	m.mu.Unlock()

	m.prom.RecordReceived(len(payload))
	if correlated {
		m.prom.RecordLatency(latency.Seconds())
	}
	m.publish(MessageEvent{Payload: payload, ID: id, Transport: t.Type()})
}

func (m *Manager) handleError(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.metrics.recordError(err)
	m.mu.Unlock()

	m.prom.RecordError(errorKind(err))
	m.publish(ErrorEvent{Err: err})
}

// handleClose reacts to an unsolicited close of the active transport.
func (m *Manager) handleClose(t transport.Transport, gen uint64, ev transport.CloseEvent) {
	live := m.sessionActive()

	m.mu.Lock()
	if m.gen != gen || m.active != t {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.activeType = transport.TypeUnknown
	m.connectedAt = time.Time{}
	m.stopProbeLocked()
	m.stopSamplerLocked()
	if bl, ok := t.(transport.Backlogger); ok {
		m.retired = bl
	}

	evs := []Event{DisconnectedEvent{Reason: ev.Reason, Err: ev.Err}}
	if live {
		evs = append(evs, m.scheduleReconnectLocked(gen)...)
	} else {
		m.log.Info("session inactive, not reconnecting")
		evs = append(evs, m.setStateLocked(StateDisconnected)...)
	}
	m.mu.Unlock()

	m.publish(evs...)
}

// scheduleReconnectLocked arms the backoff timer or gives up.
func (m *Manager) scheduleReconnectLocked(gen uint64) []Event {
	limit := m.cfg.MaxReconnectAttempts
	if limit >= 0 && m.attempts >= limit {
		err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.attempts)
		m.metrics.recordError(err)
		m.log.Error(err, "giving up reconnecting")
		evs := m.setStateLocked(StateFailed)
		return append(evs, ErrorEvent{Err: err})
	}

	m.attempts++
	m.metrics.reconnectCount++
	m.prom.ReconnectsTotal.Inc()

	attempt := m.attempts
	delay := ReconnectDelay(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, attempt)
	m.log.ReconnectScheduled(attempt, delay)
	stopTimer(&m.reconnectTimer)
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(gen, attempt) })
	return m.setStateLocked(StateReconnecting)
}

func (m *Manager) reconnect(gen uint64, attempt int) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnecting || m.attempts != attempt || m.inflight {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.inflight = true
	m.inflightGen = gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelConnect = cancel
	m.mu.Unlock()
	defer cancel()

	m.reclaimBacklog(gen)
	t, err := m.establish(ctx, gen)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if t != nil {
			t.Disconnect()
		}
		return
	}
	m.inflight = false
	if err != nil {
		m.cancelConnect = nil
		m.metrics.recordError(err)
		evs := []Event{ErrorEvent{Err: err}}
		evs = append(evs, m.scheduleReconnectLocked(gen)...)
		m.mu.Unlock()
		m.prom.RecordError("connect")
		m.publish(evs...)
		return
	}
	m.mu.Unlock()

	if err := m.activate(t, gen); err != nil {
		m.log.Debug("reconnect discarded: " + err.Error())
	}
}

func (m *Manager) scheduleProbeLocked(gen uint64) {
	m.stopProbeLocked()
	seq := m.probeSeq
	m.probeTimer = time.AfterFunc(m.cfg.QUICRetryInterval, func() { m.probe(gen, seq) })
}

func (m *Manager) stopProbeLocked() {
	m.probeSeq++
	stopTimer(&m.probeTimer)
}

// probe attempts QUIC while WebSocket is active and migrates on success.
func (m *Manager) probe(gen, seq uint64) {
	m.mu.Lock()
	if m.gen != gen || seq != m.probeSeq || m.state != StateConnected ||
		m.activeType != transport.TypeWebSocket || m.probing {
		m.mu.Unlock()
		return
	}
	m.probing = true
	m.probeTimer = nil
	m.mu.Unlock()

	q, err := m.connectQUIC(context.Background(), gen)

	m.mu.Lock()
	m.probing = false
	if m.gen != gen || m.state != StateConnected || m.activeType != transport.TypeWebSocket {
		m.mu.Unlock()
		if q != nil {
			q.Disconnect()
		}
		return
	}
	if err != nil {
		m.log.Debug("quic re-probe failed: " + err.Error())
		m.scheduleProbeLocked(gen)
		m.mu.Unlock()
		return
	}

	old := m.active
	now := time.Now()
	m.active = q
	m.activeType = transport.TypeQUIC
	m.connectedAt = now
	m.metrics.migrationCount++
	m.metrics.resetTraffic(now)
	m.mu.Unlock()

	m.prom.MigrationsTotal.Inc()
	if err := old.Disconnect(); err != nil {
		m.log.Error(err, "disconnect websocket after migration")
	}
	if bl, ok := old.(transport.Backlogger); ok {
		m.restoreBacklog(gen, bl.Handoff())
	}
	m.clearCache()
	m.log.Info("migrated to quic")
	m.publish(
		DisconnectedEvent{Reason: "migrate"},
		ConnectedEvent{Transport: transport.TypeQUIC, At: now},
	)
	m.replayBacklog(q, gen)
}

// reclaimBacklog moves the unsent queue of the lost transport into the
// manager so the next transport can deliver it.
func (m *Manager) reclaimBacklog(gen uint64) {
	m.mu.Lock()
	bl := m.retired
	m.retired = nil
	m.mu.Unlock()
	if bl == nil {
		return
	}

	msgs := bl.Handoff()
	if len(msgs) == 0 {
		return
	}
	m.restoreBacklog(gen, msgs)
	m.log.Info(fmt.Sprintf("carrying %d unsent messages to the next transport", len(msgs)))
}

func (m *Manager) takeBacklog(gen uint64) []transport.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return nil
	}
	msgs := m.backlog
	m.backlog = nil
	return msgs
}

// restoreBacklog puts msgs ahead of the current backlog.
func (m *Manager) restoreBacklog(gen uint64, msgs []transport.QueuedMessage) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.backlog = append(msgs, m.backlog...)
}

// replayBacklog sends carried messages the new transport did not queue
// itself. The first failure drops the rest and is reported.
func (m *Manager) replayBacklog(t transport.Transport, gen uint64) {
	msgs := m.takeBacklog(gen)
	for i, msg := range msgs {
		ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
		err := t.Send(ctx, msg.Payload, transport.CategoryChatMessage)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.metrics.recordSent(len(msg.Payload))
			m.mu.Unlock()
			continue
		}

		for _, lost := range msgs[i:] {
			m.log.MessageDropped(lost.ID, "replay failed", lost.RetryCount)
		}
		// write failures were already reported by the transport
		if !errors.Is(err, transport.ErrSendFailed) {
			err = fmt.Errorf("%w: replay %s: %v", transport.ErrSendFailed, msg.ID, err)
			m.mu.Lock()
			m.metrics.recordError(err)
			m.mu.Unlock()
			m.prom.RecordError("send")
			m.publish(ErrorEvent{Err: err})
		}
		return
	}
}

func (m *Manager) startSamplerLocked(gen uint64) {
	m.stopSamplerLocked()
	seq := m.sampleSeq
	m.sampleTimer = time.AfterFunc(m.cfg.MetricsInterval, func() { m.sample(gen, seq) })
}

func (m *Manager) stopSamplerLocked() {
	m.sampleSeq++
	stopTimer(&m.sampleTimer)
}

func (m *Manager) sample(gen, seq uint64) {
	m.mu.Lock()
	if m.gen != gen || seq != m.sampleSeq || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.metrics.sample(now)
	m.dedup.Prune()
	for id, sentAt := range m.pending {
		if now.Sub(sentAt) > m.cfg.PendingTTL {
			delete(m.pending, id)
		}
	}
	snap := m.snapshotLocked(now)
	m.sampleTimer = time.AfterFunc(m.cfg.MetricsInterval, func() { m.sample(gen, seq) })
	m.mu.Unlock()

	m.publish(MetricsUpdateEvent{Metrics: snap})
}

func (m *Manager) snapshotLocked(now time.Time) PerformanceMetrics {
	return m.metrics.snapshot(m.activeType, m.state, m.connectedAt, now)
}

func (m *Manager) recordFallback(cause error) {
	m.mu.Lock()
	m.metrics.fallbackCount++
	m.metrics.recordError(cause)
	n := m.metrics.fallbackCount
	m.mu.Unlock()

	m.prom.FallbacksTotal.Inc()
	m.log.FallbackTriggered(cause.Error(), n)
	m.publish(ErrorEvent{Err: cause})
}

func (m *Manager) cacheEnabled() bool {
	return m.cfg.CachePreference && m.cache != nil
}

func (m *Manager) cacheWebSocket(cause error) {
	if !m.cacheEnabled() {
		return
	}
	if err := m.cache.Set(transport.TypeWebSocket, cause.Error()); err != nil {
		m.log.Error(err, "cache transport preference")
	}
}

func (m *Manager) clearCache() {
	if m.cache == nil {
		return
	}
	if err := m.cache.Clear(); err != nil {
		m.log.Error(err, "clear transport preference")
	}
}

func (m *Manager) setStateLocked(to ConnectionState) []Event {
	from := m.state
	if from == to {
		return nil
	}
	m.state = to
	m.log.StateChanged(from.String(), to.String())
	m.prom.SetConnectionState(to.String(), allStates)
	return []Event{StateChangeEvent{From: from, To: to}}
}

func (m *Manager) publish(evs ...Event) {
	for _, ev := range evs {
		m.bus.Publish(ev)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, transport.ErrHealthTimeout):
		return "health_timeout"
	case errors.Is(err, transport.ErrQueueOverflow):
		return "queue_overflow"
	case errors.Is(err, transport.ErrSendFailed):
		return "send"
	case errors.Is(err, transport.ErrMessageTooLarge):
		return "message_too_large"
	default:
		return "transport"
	}
}
