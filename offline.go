// Offline outbox and message cache.
//
// The manager follows a RealtimeClient: while the client is online queued
// channel events are delivered over REST, and inbound message events keep a
// local cache warm.
//
// Usage:
//
//	storage := relay.NewMemoryStorage()
//	offline := relay.NewOfflineManager(storage, client, nil)
//	offline.Init()
//	defer offline.Destroy()
//	offline.Attach(rc)
//
//	op, _ := offline.Queue(ctx, "general", map[string]any{"type": "message.new", "text": "hi"})
package relay

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/yanun0323/logs"
)

// Outbox op statuses.
const (
	OutboxPending = "pending"
	OutboxFailed  = "failed"
)

// Events emitted by OfflineManager.On.
const (
	EventOutboxConfirmed = "outbox.confirmed"
	EventOutboxFailed    = "outbox.failed"
)

// ============================================================================
// Data Types
// ============================================================================

// StoredMessage is a cached channel message.
type StoredMessage struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channelId"`
	Text      string         `json:"text,omitempty"`
	SenderID  string         `json:"senderId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"createdAt,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
}

// OutboxOp is one queued channel event.
type OutboxOp struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channelId"`
	Event          any       `json:"event"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	Retries        int       `json:"retries"`
	MaxRetries     int       `json:"maxRetries"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Error          string    `json:"error,omitempty"`
}

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	OutboxRetryLimit    int
	OutboxFlushInterval time.Duration
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory storage backend.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string]*StoredMessage
	outbox   map[string]*OutboxOp
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]*StoredMessage),
		outbox:   make(map[string]*OutboxOp),
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStorage) GetMessage(id string) *StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[id]
}

func (s *MemoryStorage) PutMessages(msgs []*StoredMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
}

// GetMessages returns the newest limit messages of a channel, oldest first.
func (s *MemoryStorage) GetMessages(channelID string, limit int) []*StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*StoredMessage
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

func (s *MemoryStorage) DeleteMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
}

// ── Outbox ───────────────────────────────────────────────

func (s *MemoryStorage) Enqueue(op *OutboxOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[op.ID] = op
}

// DequeueReady returns up to limit pending ops in creation order. The ops are
// copies; report results with Ack and Nack.
func (s *MemoryStorage) DequeueReady(limit int) []OutboxOp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ready []OutboxOp
	for _, op := range s.outbox {
		if op.Status == OutboxPending && op.Retries < op.MaxRetries {
			ready = append(ready, *op)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

func (s *MemoryStorage) Ack(opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbox, opID)
}

func (s *MemoryStorage) Nack(opID string, errMsg string, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := s.outbox[opID]
	if op != nil {
		op.Retries = retries
		op.Error = errMsg
		if retries >= op.MaxRetries {
			op.Status = OutboxFailed
		}
	}
}

// GetOp returns a copy of a queued op.
func (s *MemoryStorage) GetOp(opID string) (OutboxOp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.outbox[opID]
	if !ok {
		return OutboxOp{}, false
	}
	return *op, true
}

func (s *MemoryStorage) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, op := range s.outbox {
		if op.Status == OutboxPending {
			count++
		}
	}
	return count
}

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload map[string]any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload map[string]any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logs.Errorf("offline handler for %s panicked: %v", event, r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Offline Manager
// ============================================================================

// OfflineManager queues channel events while the realtime connection is down
// and caches inbound messages.
type OfflineManager struct {
	offlineEmitter
	Storage *MemoryStorage
	client  *Client

	outboxRetryLimit    int
	outboxFlushInterval time.Duration

	mu       sync.Mutex
	isOnline bool
	flushing bool
	sub      *Subscription
	kick     chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	started  bool
	stopped  bool
}

// NewOfflineManager creates a new offline manager. It starts offline; the
// first OnlineEvent of an attached client switches it on.
func NewOfflineManager(storage *MemoryStorage, client *Client, opts *OfflineOptions) *OfflineManager {
	o := &OfflineManager{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		Storage:        storage,
		client:         client,
		kick:           make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	if opts != nil {
		o.outboxRetryLimit = opts.OutboxRetryLimit
		o.outboxFlushInterval = opts.OutboxFlushInterval
	}
	if o.outboxRetryLimit <= 0 {
		o.outboxRetryLimit = 5
	}
	if o.outboxFlushInterval <= 0 {
		o.outboxFlushInterval = time.Second
	}
	return o
}

// Init starts the background flush loop.
func (o *OfflineManager) Init() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.stopped {
		return
	}
	o.started = true
	go o.flushLoop()
}

// Destroy stops the flush loop, detaches from the realtime client and drops
// every handler.
func (o *OfflineManager) Destroy() {
	o.Detach()

	o.mu.Lock()
	started := o.started
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.mu.Unlock()

	if started {
		<-o.loopDone
	}
	o.removeAll()
}

// Attach follows rc's online state and message events.
func (o *OfflineManager) Attach(rc *RealtimeClient) {
	sub := rc.SubscribeFunc(o.onEvent)

	o.mu.Lock()
	prev := o.sub
	o.sub = sub
	o.mu.Unlock()

	if prev != nil {
		prev.Unsubscribe()
	}
}

// Detach stops following the realtime client.
func (o *OfflineManager) Detach() {
	o.mu.Lock()
	sub := o.sub
	o.sub = nil
	o.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (o *OfflineManager) onEvent(ev Event) {
	switch e := ev.(type) {
	case OnlineEvent:
		o.SetOnline(true)
	case OfflineEvent, DisconnectRequestedEvent:
		o.SetOnline(false)
	case DomainEvent:
		o.cacheEvent(e)
	}
}

// IsOnline returns current network state.
func (o *OfflineManager) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isOnline
}

// SetOnline updates network state and triggers a flush when going online.
func (o *OfflineManager) SetOnline(online bool) {
	o.mu.Lock()
	changed := o.isOnline != online
	o.isOnline = online
	o.mu.Unlock()

	if changed {
		logs.Infof("offline: online=%t, %d ops pending", online, o.Storage.PendingCount())
	}
	if online {
		o.wake()
	}
}

// OutboxSize returns the number of pending operations.
func (o *OfflineManager) OutboxSize() int {
	return o.Storage.PendingCount()
}

// ── Message cache ─────────────────────────────────────────

type messagePayload struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channel_id"`
	Text      string         `json:"text"`
	SenderID  string         `json:"sender_id"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

type messageFrame struct {
	ChannelID string         `json:"channel_id"`
	Message   messagePayload `json:"message"`
}

func (o *OfflineManager) cacheEvent(e DomainEvent) {
	switch e.Type {
	case "message.new", "message.updated", "message.deleted":
	default:
		return
	}

	var f messageFrame
	if err := e.Decode(&f); err != nil {
		logs.Errorf("offline: decode %s, err: %+v", e.Type, err)
		return
	}
	m := f.Message
	if m.ID == "" {
		return
	}
	if e.Type == "message.deleted" {
		o.Storage.DeleteMessage(m.ID)
		return
	}

	channelID := m.ChannelID
	if channelID == "" {
		channelID = f.ChannelID
	}
	if prev := o.Storage.GetMessage(m.ID); prev != nil && e.Type == "message.updated" {
		if m.CreatedAt == "" {
			m.CreatedAt = prev.CreatedAt
		}
		if channelID == "" {
			channelID = prev.ChannelID
		}
	}
	o.Storage.PutMessages([]*StoredMessage{{
		ID:        m.ID,
		ChannelID: channelID,
		Text:      m.Text,
		SenderID:  m.SenderID,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}})
}

// ── Outbox ────────────────────────────────────────────────

// Queue stores event for delivery to channelID and returns the queued op.
// The event is sent as soon as the manager is online.
func (o *OfflineManager) Queue(ctx context.Context, channelID string, event any) (*OutboxOp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	op := &OutboxOp{
		ID:             id,
		ChannelID:      channelID,
		Event:          withIdempotencyKey(event, "relay-"+id),
		Status:         OutboxPending,
		CreatedAt:      time.Now(),
		MaxRetries:     o.outboxRetryLimit,
		IdempotencyKey: "relay-" + id,
	}
	o.Storage.Enqueue(op)

	if o.IsOnline() {
		o.wake()
	}
	copied := *op
	return &copied, nil
}

// withIdempotencyKey copies map events and stamps the key into their
// metadata. Other event values pass through untouched.
func withIdempotencyKey(event any, key string) any {
	m, ok := event.(map[string]any)
	if !ok {
		return event
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	meta := make(map[string]any)
	if existing, ok := m["metadata"].(map[string]any); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	meta["_idempotencyKey"] = key
	out["metadata"] = meta
	return out
}

func (o *OfflineManager) wake() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *OfflineManager) flushLoop() {
	defer close(o.loopDone)
	ticker := time.NewTicker(o.outboxFlushInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-o.stopCh
		cancel()
	}()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
		case <-o.kick:
		}
		o.Flush(ctx)
	}
}

// Flush delivers pending outbox operations. It does nothing while offline or
// while another flush runs.
func (o *OfflineManager) Flush(ctx context.Context) {
	o.mu.Lock()
	if o.flushing || !o.isOnline {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	for _, op := range o.Storage.DequeueReady(10) {
		if ctx.Err() != nil {
			return
		}
		o.deliver(ctx, op)
	}
}

func (o *OfflineManager) deliver(ctx context.Context, op OutboxOp) {
	result, err := o.client.SendEvent(ctx, op.ChannelID, op.Event)
	if err != nil {
		o.retry(op, err.Error())
		return
	}

	if result.OK {
		o.Storage.Ack(op.ID)
		payload := map[string]any{"opId": op.ID, "channelId": op.ChannelID}
		if len(result.Data) > 0 {
			payload["data"] = json.RawMessage(result.Data)
		}
		o.emit(EventOutboxConfirmed, payload)
		return
	}

	errMsg := "Request failed"
	errCode := ""
	if result.Error != nil {
		errMsg = result.Error.Message
		errCode = result.Error.Code
	}
	if !isTransientCode(errCode) {
		o.Storage.Nack(op.ID, errMsg, op.MaxRetries)
		o.emit(EventOutboxFailed, map[string]any{"opId": op.ID, "error": errMsg, "retriesLeft": 0})
		return
	}
	o.retry(op, errMsg)
}

func (o *OfflineManager) retry(op OutboxOp, errMsg string) {
	retries := op.Retries + 1
	o.Storage.Nack(op.ID, errMsg, retries)
	if retries >= op.MaxRetries {
		o.emit(EventOutboxFailed, map[string]any{"opId": op.ID, "error": errMsg, "retriesLeft": 0})
		logs.Errorf("offline: op %s to %s failed after %d tries: %s", op.ID, op.ChannelID, retries, errMsg)
	}
}

func isTransientCode(code string) bool {
	return strings.Contains(code, "TIMEOUT") || strings.Contains(code, "NETWORK")
}

// MarshalOutbox encodes the pending outbox, for diagnostics.
func (o *OfflineManager) MarshalOutbox() ([]byte, error) {
	return sonic.ConfigStd.Marshal(o.Storage.DequeueReady(o.Storage.PendingCount()))
}
