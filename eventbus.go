package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"
)

// Listener receives events from an EventBus.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// ErrorHandler is told about listeners that panicked during delivery.
type ErrorHandler func(sub *Subscription, ev Event, err error)

// Subscription is one listener registration.
type Subscription struct {
	id       string
	bus      *EventBus
	listener atomic.Pointer[Listener]
}

// ID returns the opaque subscription handle.
func (s *Subscription) ID() string { return s.id }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.listener.Load() != nil }

// Unsubscribe stops delivery. Safe to call more than once and from inside a
// listener callback.
func (s *Subscription) Unsubscribe() {
	if s.listener.Swap(nil) == nil {
		return
	}
	s.bus.remove(s)
}

// EventBus fans events out to registered listeners. Delivery order is
// preserved per listener; order across listeners is not guaranteed.
type EventBus struct {
	mu       sync.Mutex
	subs     atomic.Pointer[[]*Subscription]
	onActive func(active bool)
	onError  ErrorHandler
	metrics  *metrics
}

// NewEventBus builds a bus. onActive, if set, is called with true when the
// first listener subscribes and with false when the last one leaves.
func NewEventBus(onActive func(active bool), onError ErrorHandler) *EventBus {
	b := &EventBus{onActive: onActive, onError: onError}
	empty := []*Subscription{}
	b.subs.Store(&empty)
	return b
}

// Subscribe registers l and returns its handle.
func (b *EventBus) Subscribe(l Listener) *Subscription {
	sub := &Subscription{id: uuid.NewString(), bus: b}
	sub.listener.Store(&l)

	b.mu.Lock()
	cur := *b.subs.Load()
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, sub)
	b.subs.Store(&next)
	first := len(cur) == 0
	if first && b.onActive != nil {
		b.onActive(true)
	}
	b.mu.Unlock()

	b.metrics.listenerCount(len(next))
	return sub
}

// SubscribeFunc registers fn as a listener.
func (b *EventBus) SubscribeFunc(fn func(Event)) *Subscription {
	return b.Subscribe(ListenerFunc(fn))
}

func (b *EventBus) remove(sub *Subscription) {
	b.mu.Lock()
	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, s := range cur {
		if s != sub {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
	if len(cur) > 0 && len(next) == 0 && b.onActive != nil {
		b.onActive(false)
	}
	b.mu.Unlock()

	b.metrics.listenerCount(len(next))
}

// Len returns the number of registered listeners.
func (b *EventBus) Len() int {
	return len(*b.subs.Load())
}

// Publish delivers ev synchronously to every listener registered at the time
// of the call. A listener unsubscribed before its turn is skipped. A listener
// that panics is reported to the error handler and does not stop delivery to
// the others.
func (b *EventBus) Publish(ev Event) {
	for _, sub := range *b.subs.Load() {
		l := sub.listener.Load()
		if l == nil {
			continue
		}
		b.deliver(sub, *l, ev)
	}
}

func (b *EventBus) deliver(sub *Subscription, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.listenerPanic()
			err := fmt.Errorf("%w: %v", ErrListenerPanic, r)
			if b.onError != nil {
				b.onError(sub, ev, err)
				return
			}
			logs.Errorf("listener %s panicked on %s, err: %+v", sub.id, ev.Kind(), err)
		}
	}()
	l.OnEvent(ev)
}
