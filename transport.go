package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// Close codes used by the realtime core.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// TransportListener receives the callbacks of one Transport. Callbacks arrive
// on the transport's own goroutine.
type TransportListener interface {
	OnOpen()
	OnFrame(raw []byte)
	OnClosing(code int, reason string)
	OnClosed(code int, reason string)
	OnFailure(err error)
}

// Transport is a single long-lived duplex connection. Open must return
// without calling the listener; all callbacks are delivered asynchronously.
// A Transport is used for one connection attempt only.
type Transport interface {
	Open(url string, l TransportListener)
	Send(ctx context.Context, frame []byte) error
	Close(code int, reason string) error
}

// TransportFactory builds a fresh Transport for each connection attempt.
type TransportFactory func() Transport

// wsTransport is the nhooyr.io/websocket backed Transport.
type wsTransport struct {
	cfg    *RealtimeConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocketTransport returns a TransportFactory dialing real websockets.
func NewWebSocketTransport(cfg *RealtimeConfig) TransportFactory {
	c := *cfg
	c.defaults()
	return func() Transport {
		ctx, cancel := context.WithCancel(context.Background())
		return &wsTransport{cfg: &c, ctx: ctx, cancel: cancel}
	}
}

func (t *wsTransport) Open(url string, l TransportListener) {
	go t.run(url, l)
}

func (t *wsTransport) run(url string, l TransportListener) {
	dialCtx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPClient: t.cfg.HTTPClient,
	})
	cancel()
	if err != nil {
		l.OnFailure(fmt.Errorf("websocket dial: %w", err))
		return
	}
	conn.SetReadLimit(t.cfg.ReadLimit)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	t.conn = conn
	t.mu.Unlock()

	l.OnOpen()

	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			t.report(err, l)
			return
		}
		l.OnFrame(data)
	}
}

func (t *wsTransport) report(err error, l TransportListener) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		l.OnClosing(int(ce.Code), ce.Reason)
		l.OnClosed(int(ce.Code), ce.Reason)
		return
	}
	l.OnFailure(fmt.Errorf("websocket read: %w", err))
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if conn == nil || closed {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	defer t.cancel()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusCode(code), reason)
}
