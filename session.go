package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/yanun0323/logs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// session owns the mutable state of one Connect call: the connection state,
// the failure counter, the transport of the current attempt and every timer.
// All transitions happen under mu.
//
// gen identifies the current attempt. It moves forward whenever an attempt
// starts, is dropped, or the session is torn down; transport callbacks and
// timers carry the gen they were created for and become no-ops once it is
// stale.
type session struct {
	id         string
	rc         *RealtimeClient
	cfg        *RealtimeConfig
	user       User
	tokens     TokenSource
	ctx        context.Context
	cancel     context.CancelFunc
	dispatcher *OrderedDispatcher
	monitor    *healthMonitor
	done       chan struct{}

	mu             sync.Mutex
	state          ConnectionState
	gen            uint64
	failures       int
	transport      Transport
	reconnectTimer *time.Timer
	authExpired    bool
	finished       bool
}

func newSession(rc *RealtimeClient, user User, tokens TokenSource, after <-chan struct{}) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     uuid.NewString(),
		rc:     rc,
		cfg:    rc.config,
		user:   user,
		tokens: tokens,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  Disconnected{},
	}
	s.dispatcher = newOrderedDispatcher(rc.bus.Publish, after, rc.metrics)
	s.monitor = newHealthMonitor(rc.config, s)
	return s
}

func (s *session) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) currentState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ============================================================================
// Connect / reconnect
// ============================================================================

func (s *session) connect(ctx context.Context) error {
	ctx, span := s.rc.tracer.Start(ctx, "relay.connect", trace.WithAttributes(
		attribute.String("relay.user_id", s.user.ID),
		attribute.String("relay.session_id", s.id),
		attribute.Int("relay.attempt", 0),
	))
	defer span.End()

	// Disconnect cancels s.ctx; a hanging token source must see it too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.finished {
			span.SetStatus(codes.Error, "canceled")
			return ErrConnectCanceled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "token fetch failed")
		logs.Errorf("relay: session %s token fetch failed, err: %+v", s.id, err)
		s.finish()
		return fmt.Errorf("%w: %w", ErrTokenFetch, err)
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		span.SetStatus(codes.Error, "canceled")
		return ErrConnectCanceled
	}
	t, url, gen := s.beginAttempt(token)
	s.mu.Unlock()

	t.Open(url, &attemptListener{s: s, gen: gen, url: url})
	return nil
}

// beginAttempt installs a fresh transport and enters Connecting. Caller holds
// mu and must call Open on the returned transport after releasing it.
func (s *session) beginAttempt(token string) (Transport, string, uint64) {
	s.gen++
	s.authExpired = false
	t := s.rc.newTransport()
	s.transport = t
	s.setState(Connecting{User: s.user, Token: token})
	return t, s.rc.ConnectURL(s.user, token), s.gen
}

func (s *session) reconnect(gen uint64) {
	s.mu.Lock()
	if !s.current(gen, StateReconnecting) {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	attempt := s.failures
	s.mu.Unlock()

	ctx, span := s.rc.tracer.Start(s.ctx, "relay.connect", trace.WithAttributes(
		attribute.String("relay.user_id", s.user.ID),
		attribute.String("relay.session_id", s.id),
		attribute.Int("relay.attempt", attempt),
	))
	defer span.End()

	token, err := s.tokens.Token(ctx)

	s.mu.Lock()
	if !s.current(gen, StateReconnecting) {
		s.mu.Unlock()
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token fetch failed")
		s.emit(ConnectionErrorEvent{Message: "token fetch failed", Err: fmt.Errorf("%w: %w", ErrTokenFetch, err)})
		s.gen++
		s.failures++
		s.scheduleReconnect()
		s.mu.Unlock()
		return
	}
	t, url, next := s.beginAttempt(token)
	s.mu.Unlock()

	t.Open(url, &attemptListener{s: s, gen: next, url: url})
}

// current reports whether gen is the live attempt and the state is want.
func (s *session) current(gen uint64, want StateKind) bool {
	return !s.finished && gen == s.gen && s.state.Kind() == want
}

// ============================================================================
// Transport callbacks
// ============================================================================

func (s *session) onOpen(gen uint64, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen, StateConnecting) {
		return
	}
	s.emit(ConnectionOpenedEvent{URL: url})
}

func (s *session) onFrame(gen uint64, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || gen != s.gen {
		return
	}
	kind := s.state.Kind()
	if kind != StateConnecting && kind != StateConnected {
		return
	}

	f, err := ClassifyFrame(raw, kind == StateConnecting)
	if err != nil {
		s.rc.metrics.frame("malformed")
		s.emit(ConnectionErrorEvent{Message: "malformed frame", Err: err})
		return
	}
	s.rc.metrics.frame(f.Kind.String())

	now := time.Now()
	switch f.Kind {
	case FrameAck:
		s.failures = 0
		s.setState(Connected{ConnectionID: f.ConnectionID, User: s.user, LastEventAt: now})
		s.monitor.start(gen)
		wentOnline := s.monitor.reset()
		s.emit(ConnectionRecoveredEvent{ConnectionID: f.ConnectionID, User: s.user})
		if wentOnline {
			s.emit(OnlineEvent{})
		}
	case FrameError:
		s.touch(now)
		if f.Code == ErrorCodeTokenExpired {
			s.authExpired = true
			s.emit(TokenExpiredEvent{Message: f.Message})
			return
		}
		s.emit(ConnectionErrorEvent{Code: f.Code, Message: f.Message, Err: ErrServerError})
	default:
		s.touch(now)
		s.emit(DomainEvent{Type: f.Type, Payload: f.Raw, ReceivedAt: now})
	}
}

// onDrop handles closing, closed and failure callbacks. The first one for an
// attempt wins; the rest carry a stale gen. Every drop ends with exactly one
// ConnectionClosedEvent.
func (s *session) onDrop(gen uint64, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || gen != s.gen {
		return
	}
	switch s.state.(type) {
	case Disconnecting, Disconnected:
		return
	}
	s.emit(ev)
	switch e := ev.(type) {
	case ConnectionClosedEvent:
		s.dropTransport(nil)
	case ConnectionClosingEvent:
		s.dropTransport(&ConnectionClosedEvent{Code: e.Code, Reason: e.Reason})
	default:
		s.dropTransport(&ConnectionClosedEvent{Code: CloseAbnormal, Reason: "transport failure"})
	}
}

// dropTransport abandons the current attempt and either schedules a
// reconnect or, after a token expiry, ends the session. closed, if non-nil,
// is emitted first; it is nil when the transport already reported its close.
// Caller holds mu.
func (s *session) dropTransport(closed *ConnectionClosedEvent) {
	if closed != nil {
		s.emit(*closed)
	}
	old := s.transport
	s.transport = nil
	s.gen++
	s.monitor.stop()
	if old != nil {
		go closeQuietly(old, CloseGoingAway, "reconnecting")
	}

	if s.authExpired {
		logs.Infof("relay: session %s token expired, waiting for a new connect", s.id)
		s.finish()
		return
	}
	s.failures++
	s.scheduleReconnect()
}

func (s *session) scheduleReconnect() {
	delay := retryDelay(s.failures, s.rc.jitter)
	s.setState(Reconnecting{ConsecutiveFailures: s.failures, NextAttemptAt: time.Now().Add(delay)})

	gen := s.gen
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	s.monitor.markUnhealthy()
	s.rc.metrics.reconnectScheduled()
	s.emit(ReconnectingEvent{Attempt: s.failures, Delay: delay})
	logs.Infof("relay: session %s reconnect #%d in %s", s.id, s.failures, delay)
}

// ============================================================================
// Health probe
// ============================================================================

func (s *session) lastInbound(gen uint64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || gen != s.gen {
		return time.Time{}, false
	}
	st, ok := s.state.(Connected)
	return st.LastEventAt, ok
}

func (s *session) markStale(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen, StateConnected) {
		return
	}
	s.emit(ConnectionErrorEvent{Message: "connection stale", Err: ErrStaleConnection})
	s.dropTransport(&ConnectionClosedEvent{Code: CloseAbnormal, Reason: "connection stale"})
}

func (s *session) sendHeartbeat(gen uint64) {
	s.mu.Lock()
	if !s.current(gen, StateConnected) {
		s.mu.Unlock()
		return
	}
	t := s.transport
	connID := s.state.(Connected).ConnectionID
	s.mu.Unlock()

	frame, err := sonic.ConfigFastest.Marshal(map[string]string{
		"type":      HealthCheckType,
		"client_id": connID,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HeartbeatInterval)
	defer cancel()
	if err := t.Send(ctx, frame); err != nil {
		logs.Errorf("relay: session %s heartbeat send failed, err: %+v", s.id, err)
		return
	}
	s.rc.metrics.heartbeatSent()
}

func (s *session) announceOffline(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if s.monitor.offlineDue(seq) {
		s.emit(OfflineEvent{})
	}
}

// ============================================================================
// Outbound
// ============================================================================

func (s *session) send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.finished || s.state.Kind() != StateConnected || s.transport == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	t := s.transport
	s.mu.Unlock()
	return t.Send(ctx, data)
}

// ============================================================================
// Teardown
// ============================================================================

func (s *session) disconnect() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.setState(Disconnecting{})
	s.gen++
	s.cancel()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.monitor.shutdown()
	t := s.transport
	s.transport = nil
	s.emit(DisconnectRequestedEvent{})
	s.emit(ConnectionClosedEvent{Code: CloseNormal, Reason: "client disconnect"})
	s.finish()
	s.mu.Unlock()

	// The close handshake can take a while; Disconnect may run on the
	// dispatcher worker.
	if t != nil {
		go closeQuietly(t, CloseNormal, "client disconnect")
	}
}

// finish moves the session to its terminal Disconnected state and stops
// accepting events. Caller holds mu.
func (s *session) finish() {
	if s.finished {
		return
	}
	s.finished = true
	if s.state.Kind() != StateDisconnected {
		s.setState(Disconnected{})
	}
	s.cancel()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.monitor.shutdown()
	s.dispatcher.Close()
	close(s.done)
}

// ============================================================================
// Helpers (caller holds mu)
// ============================================================================

func (s *session) setState(st ConnectionState) {
	from := s.state.Kind()
	s.state = st
	s.rc.metrics.transition(st.Kind())
	logs.Infof("relay: session %s %s -> %s", s.id, from, st.Kind())
}

// touch records inbound activity on a connected session.
func (s *session) touch(now time.Time) {
	if st, ok := s.state.(Connected); ok {
		st.LastEventAt = now
		s.state = st
	}
}

// emit queues ev for listeners. Events are dropped while nobody listens and
// after the session finished.
func (s *session) emit(ev Event) {
	if !s.rc.listening.Load() {
		return
	}
	_ = s.dispatcher.Submit(ev)
}

func closeQuietly(t Transport, code int, reason string) {
	if err := t.Close(code, reason); err != nil {
		logs.Errorf("relay: close transport, err: %+v", err)
	}
}

// ============================================================================
// attemptListener
// ============================================================================

// attemptListener binds one transport's callbacks to the attempt it was
// opened for.
type attemptListener struct {
	s   *session
	gen uint64
	url string
}

func (a *attemptListener) OnOpen() {
	a.s.onOpen(a.gen, a.url)
}

func (a *attemptListener) OnFrame(raw []byte) {
	a.s.onFrame(a.gen, raw)
}

func (a *attemptListener) OnClosing(code int, reason string) {
	a.s.onDrop(a.gen, ConnectionClosingEvent{Code: code, Reason: reason})
}

func (a *attemptListener) OnClosed(code int, reason string) {
	a.s.onDrop(a.gen, ConnectionClosedEvent{Code: code, Reason: reason})
}

func (a *attemptListener) OnFailure(err error) {
	a.s.onDrop(a.gen, ConnectionErrorEvent{Message: "transport failure", Err: err})
}
