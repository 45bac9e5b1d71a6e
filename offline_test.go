package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// MemoryStorage
// ============================================================================

func TestMemoryStorage(t *testing.T) {
	t.Run("messages by channel", func(t *testing.T) {
		s := NewMemoryStorage()
		s.PutMessages([]*StoredMessage{
			{ID: "m2", ChannelID: "a", CreatedAt: "2026-01-01T00:00:02Z"},
			{ID: "m1", ChannelID: "a", CreatedAt: "2026-01-01T00:00:01Z"},
			{ID: "m3", ChannelID: "a", CreatedAt: "2026-01-01T00:00:03Z"},
			{ID: "x1", ChannelID: "b", CreatedAt: "2026-01-01T00:00:01Z"},
		})

		got := s.GetMessages("a", 2)
		require.Len(t, got, 2)
		assert.Equal(t, "m2", got[0].ID)
		assert.Equal(t, "m3", got[1].ID)
		assert.Len(t, s.GetMessages("a", 0), 3)

		s.DeleteMessage("m3")
		assert.Nil(t, s.GetMessage("m3"))
		assert.NotNil(t, s.GetMessage("m1"))
	})

	t.Run("outbox lifecycle", func(t *testing.T) {
		s := NewMemoryStorage()
		now := time.Now()
		s.Enqueue(&OutboxOp{ID: "o2", Status: OutboxPending, MaxRetries: 2, CreatedAt: now.Add(time.Second)})
		s.Enqueue(&OutboxOp{ID: "o1", Status: OutboxPending, MaxRetries: 2, CreatedAt: now})

		ready := s.DequeueReady(10)
		require.Len(t, ready, 2)
		assert.Equal(t, "o1", ready[0].ID)
		assert.Equal(t, 2, s.PendingCount())

		s.Nack("o1", "timeout", 1)
		op, ok := s.GetOp("o1")
		require.True(t, ok)
		assert.Equal(t, OutboxPending, op.Status)
		assert.Equal(t, "timeout", op.Error)

		s.Nack("o1", "timeout", 2)
		op, _ = s.GetOp("o1")
		assert.Equal(t, OutboxFailed, op.Status)
		assert.Equal(t, 1, s.PendingCount())

		s.Ack("o2")
		_, ok = s.GetOp("o2")
		assert.False(t, ok)
		assert.Empty(t, s.DequeueReady(10))
	})
}

// ============================================================================
// OfflineManager
// ============================================================================

type eventServer struct {
	mu       sync.Mutex
	bodies   []map[string]any
	response atomic.Value
}

func newEventServer(t *testing.T, response string) (*eventServer, *Client) {
	t.Helper()
	es := &eventServer{}
	es.response.Store(response)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = sonic.ConfigStd.Unmarshal(body, &m)
		es.mu.Lock()
		es.bodies = append(es.bodies, m)
		es.mu.Unlock()
		_, _ = io.WriteString(w, es.response.Load().(string))
	}))
	t.Cleanup(srv.Close)
	return es, NewClient("key", WithBaseURL(srv.URL))
}

func (es *eventServer) calls() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.bodies)
}

type offlineLog struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func (l *offlineLog) handle(event string, payload map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.last = payload
}

func (l *offlineLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestOffline(t *testing.T, client *Client, opts *OfflineOptions) (*OfflineManager, *offlineLog) {
	t.Helper()
	o := NewOfflineManager(NewMemoryStorage(), client, opts)
	log := &offlineLog{}
	o.On(EventOutboxConfirmed, log.handle)
	o.On(EventOutboxFailed, log.handle)
	return o, log
}

func TestOfflineFlush(t *testing.T) {
	t.Run("confirmed send", func(t *testing.T) {
		es, client := newEventServer(t, `{"ok":true,"data":{"id":"ev-1"}}`)
		o, log := newTestOffline(t, client, nil)
		o.SetOnline(true)

		op, err := o.Queue(context.Background(), "general", map[string]any{"type": "message.new", "text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "relay-"+op.ID, op.IdempotencyKey)

		o.Flush(context.Background())
		assert.Equal(t, 1, log.count(EventOutboxConfirmed))
		assert.Equal(t, 0, o.OutboxSize())
		assert.Equal(t, op.ID, log.last["opId"])

		require.Equal(t, 1, es.calls())
		event := es.bodies[0]["event"].(map[string]any)
		assert.Equal(t, "hi", event["text"])
		meta := event["metadata"].(map[string]any)
		assert.Equal(t, op.IdempotencyKey, meta["_idempotencyKey"])
	})

	t.Run("caller event is not mutated", func(t *testing.T) {
		_, client := newEventServer(t, `{"ok":true}`)
		o, _ := newTestOffline(t, client, nil)
		ev := map[string]any{"type": "message.new", "metadata": map[string]any{"k": "v"}}
		_, err := o.Queue(context.Background(), "general", ev)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"k": "v"}, ev["metadata"])
	})

	t.Run("nothing is sent while offline", func(t *testing.T) {
		es, client := newEventServer(t, `{"ok":true}`)
		o, _ := newTestOffline(t, client, nil)
		_, err := o.Queue(context.Background(), "general", map[string]any{"type": "x"})
		require.NoError(t, err)

		o.Flush(context.Background())
		assert.Equal(t, 0, es.calls())
		assert.Equal(t, 1, o.OutboxSize())
	})

	t.Run("permanent failure", func(t *testing.T) {
		_, client := newEventServer(t, `{"ok":false,"error":{"code":"FORBIDDEN","message":"not a member"}}`)
		o, log := newTestOffline(t, client, nil)
		o.SetOnline(true)
		op, _ := o.Queue(context.Background(), "general", map[string]any{"type": "x"})

		o.Flush(context.Background())
		assert.Equal(t, 1, log.count(EventOutboxFailed))
		stored, ok := o.Storage.GetOp(op.ID)
		require.True(t, ok)
		assert.Equal(t, OutboxFailed, stored.Status)
		assert.Equal(t, "not a member", stored.Error)
	})

	t.Run("transient failure retries up to the limit", func(t *testing.T) {
		es, client := newEventServer(t, `{"ok":false,"error":{"code":"NETWORK_ERROR","message":"upstream"}}`)
		o, log := newTestOffline(t, client, &OfflineOptions{OutboxRetryLimit: 2})
		o.SetOnline(true)
		op, _ := o.Queue(context.Background(), "general", map[string]any{"type": "x"})

		o.Flush(context.Background())
		stored, _ := o.Storage.GetOp(op.ID)
		assert.Equal(t, OutboxPending, stored.Status)
		assert.Equal(t, 1, stored.Retries)
		assert.Equal(t, 0, log.count(EventOutboxFailed))

		o.Flush(context.Background())
		stored, _ = o.Storage.GetOp(op.ID)
		assert.Equal(t, OutboxFailed, stored.Status)
		assert.Equal(t, 1, log.count(EventOutboxFailed))

		o.Flush(context.Background())
		assert.Equal(t, 2, es.calls())
	})

	t.Run("transient then success", func(t *testing.T) {
		es, client := newEventServer(t, `{"ok":false,"error":{"code":"GATEWAY_TIMEOUT","message":"slow"}}`)
		o, log := newTestOffline(t, client, nil)
		o.SetOnline(true)
		_, _ = o.Queue(context.Background(), "general", map[string]any{"type": "x"})

		o.Flush(context.Background())
		es.response.Store(`{"ok":true}`)
		o.Flush(context.Background())
		assert.Equal(t, 1, log.count(EventOutboxConfirmed))
		assert.Equal(t, 0, o.OutboxSize())
	})

	t.Run("outbox dump", func(t *testing.T) {
		_, client := newEventServer(t, `{"ok":true}`)
		o, _ := newTestOffline(t, client, nil)
		_, _ = o.Queue(context.Background(), "general", map[string]any{"type": "x"})
		data, err := o.MarshalOutbox()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"channelId":"general"`)
	})

	t.Run("canceled context", func(t *testing.T) {
		_, client := newEventServer(t, `{"ok":true}`)
		o, _ := newTestOffline(t, client, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := o.Queue(ctx, "general", map[string]any{"type": "x"})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, o.OutboxSize())
	})
}

func TestOfflineAttach(t *testing.T) {
	t.Run("flushes when the realtime client comes online", func(t *testing.T) {
		es, client := newEventServer(t, `{"ok":true}`)
		o, log := newTestOffline(t, client, &OfflineOptions{OutboxFlushInterval: time.Minute})
		o.Init()
		t.Cleanup(o.Destroy)

		env := newTestEnv(t, nil)
		o.Attach(env.rc)

		_, err := o.Queue(context.Background(), "general", map[string]any{"type": "x"})
		require.NoError(t, err)
		assert.False(t, o.IsOnline())

		tr := env.connect(t)
		require.Eventually(t, func() bool { return log.count(EventOutboxConfirmed) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, es.calls())
		assert.True(t, o.IsOnline())

		tr.l.OnClosed(CloseAbnormal, "")
		env.rc.Disconnect()
		require.Eventually(t, func() bool { return !o.IsOnline() }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("caches message events", func(t *testing.T) {
		_, client := newEventServer(t, `{"ok":true}`)
		o, _ := newTestOffline(t, client, nil)
		env := newTestEnv(t, nil)
		o.Attach(env.rc)
		tr := env.connect(t)

		tr.l.OnFrame([]byte(`{"type":"message.new","channel_id":"general","message":{"id":"m1","text":"hi","sender_id":"u2","created_at":"2026-01-01T00:00:00Z"}}`))
		require.Eventually(t, func() bool { return o.Storage.GetMessage("m1") != nil }, 2*time.Second, 5*time.Millisecond)
		m := o.Storage.GetMessage("m1")
		assert.Equal(t, "general", m.ChannelID)
		assert.Equal(t, "u2", m.SenderID)

		tr.l.OnFrame([]byte(`{"type":"message.updated","message":{"id":"m1","text":"edited","updated_at":"2026-01-01T00:01:00Z"}}`))
		require.Eventually(t, func() bool {
			m := o.Storage.GetMessage("m1")
			return m != nil && m.Text == "edited"
		}, 2*time.Second, 5*time.Millisecond)
		m = o.Storage.GetMessage("m1")
		assert.Equal(t, "general", m.ChannelID)
		assert.Equal(t, "2026-01-01T00:00:00Z", m.CreatedAt)

		tr.l.OnFrame([]byte(`{"type":"message.deleted","message":{"id":"m1"}}`))
		require.Eventually(t, func() bool { return o.Storage.GetMessage("m1") == nil }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("detach stops following", func(t *testing.T) {
		_, client := newEventServer(t, `{"ok":true}`)
		o, _ := newTestOffline(t, client, nil)
		env := newTestEnv(t, nil)
		o.Attach(env.rc)
		assert.Equal(t, 2, env.rc.Bus().Len())

		o.Detach()
		assert.Equal(t, 1, env.rc.Bus().Len())
		env.connect(t)
		time.Sleep(20 * time.Millisecond)
		assert.False(t, o.IsOnline())
	})
}
