package relay

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yanun0323/logs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/relaychat/relay-go"

// ============================================================================
// Options
// ============================================================================

type realtimeOptions struct {
	transport      TransportFactory
	registerer     prometheus.Registerer
	constLabels    prometheus.Labels
	tracerProvider trace.TracerProvider
	onError        ErrorHandler
}

// RealtimeOption configures a RealtimeClient.
type RealtimeOption func(*realtimeOptions)

// WithTransport replaces the websocket transport.
func WithTransport(f TransportFactory) RealtimeOption {
	return func(o *realtimeOptions) { o.transport = f }
}

// WithMetrics registers the client's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) RealtimeOption {
	return func(o *realtimeOptions) {
		o.registerer = reg
		o.constLabels = constLabels
	}
}

// WithTracerProvider sets the provider for connect spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) RealtimeOption {
	return func(o *realtimeOptions) { o.tracerProvider = tp }
}

// WithErrorHandler receives panics recovered from listeners.
func WithErrorHandler(h ErrorHandler) RealtimeOption {
	return func(o *realtimeOptions) { o.onError = h }
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient keeps one persistent event stream to the backend alive and
// fans its events out to listeners. Listeners may subscribe before Connect
// and keep receiving events across reconnects and sessions.
type RealtimeClient struct {
	baseURL      string
	config       *RealtimeConfig
	newTransport TransportFactory
	bus          *EventBus
	metrics      *metrics
	tracer       trace.Tracer
	jitter       func() float64
	listening    atomic.Bool

	mu           sync.Mutex
	session      *session
	lastDispatch <-chan struct{}
}

// NewRealtimeClient creates a realtime client for the given HTTP(S) base URL.
// Call Connect to open the stream.
func NewRealtimeClient(baseURL string, config *RealtimeConfig, opts ...RealtimeOption) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	var o realtimeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = NewWebSocketTransport(&cfg)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	rc := &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		newTransport: o.transport,
		metrics:      newMetrics(o.registerer, o.constLabels),
		tracer:       o.tracerProvider.Tracer(tracerName),
		jitter:       rand.Float64,
	}
	rc.bus = NewEventBus(rc.setListening, o.onError)
	rc.bus.metrics = rc.metrics
	return rc
}

// Realtime creates a realtime client against the same backend. The API key
// is used for the connect URL unless config sets one.
func (c *Client) Realtime(config *RealtimeConfig, opts ...RealtimeOption) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.apiKey
	}
	return NewRealtimeClient(c.baseURL, &cfg, opts...)
}

func (rc *RealtimeClient) setListening(active bool) {
	rc.listening.Store(active)
	if active {
		logs.Info("relay: event bus attached")
	} else {
		logs.Info("relay: event bus detached")
	}
}

// Subscribe registers l for every event of every session.
func (rc *RealtimeClient) Subscribe(l Listener) *Subscription {
	return rc.bus.Subscribe(l)
}

// SubscribeFunc registers fn for every event of every session.
func (rc *RealtimeClient) SubscribeFunc(fn func(Event)) *Subscription {
	return rc.bus.SubscribeFunc(fn)
}

// Bus exposes the underlying event bus.
func (rc *RealtimeClient) Bus() *EventBus {
	return rc.bus
}

// State returns the current connection state.
func (rc *RealtimeClient) State() ConnectionState {
	rc.mu.Lock()
	s := rc.session
	rc.mu.Unlock()
	if s == nil {
		return Disconnected{}
	}
	return s.currentState()
}

// Connect starts a session for user. It fetches a token and opens the
// transport; the state stays Connecting until the server acknowledges the
// connection, which is announced with ConnectionRecoveredEvent.
//
// Connect fails with ErrAlreadyConnected unless the previous session has
// reached Disconnected, and with ErrTokenFetch if the token source fails. A
// token failure is not retried.
func (rc *RealtimeClient) Connect(ctx context.Context, user User, tokens TokenSource) error {
	if user.ID == "" {
		return ErrInvalidUser
	}
	if tokens == nil {
		return ErrNilTokenSource
	}

	rc.mu.Lock()
	if rc.session != nil && !rc.session.terminated() {
		rc.mu.Unlock()
		return ErrAlreadyConnected
	}
	s := newSession(rc, user, tokens, rc.lastDispatch)
	rc.session = s
	rc.lastDispatch = s.dispatcher.Done()
	rc.mu.Unlock()

	return s.connect(ctx)
}

// Disconnect tears the current session down. It is safe to call in any state
// and more than once.
func (rc *RealtimeClient) Disconnect() {
	rc.mu.Lock()
	s := rc.session
	rc.mu.Unlock()
	if s == nil {
		return
	}
	s.disconnect()
}

// Send encodes v and writes it on the live connection.
func (rc *RealtimeClient) Send(ctx context.Context, v any) error {
	rc.mu.Lock()
	s := rc.session
	rc.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	data, err := sonic.ConfigFastest.Marshal(v)
	if err != nil {
		return err
	}
	return s.send(ctx, data)
}

// ConnectURL returns the websocket URL a session for user and token dials.
func (rc *RealtimeClient) ConnectURL(user User, token string) string {
	base := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)

	payload, _ := sonic.ConfigFastest.MarshalToString(map[string]any{
		"user_id":                         user.ID,
		"user_details":                    user,
		"server_determines_connection_id": true,
	})

	q := url.Values{}
	q.Set("json", payload)
	if rc.config.APIKey != "" {
		q.Set("api_key", rc.config.APIKey)
	}
	q.Set("authorization", token)
	q.Set("stream-auth-type", "jwt")
	return base + rc.config.Path + "?" + q.Encode()
}
