package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) kinds() []EventKind {
	var out []EventKind
	for _, ev := range r.snapshot() {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func TestEventBus(t *testing.T) {
	t.Run("delivers to every listener", func(t *testing.T) {
		bus := NewEventBus(nil, nil)
		a, b := &recorder{}, &recorder{}
		bus.Subscribe(a)
		bus.Subscribe(b)

		bus.Publish(OnlineEvent{})
		bus.Publish(OfflineEvent{})

		assert.Equal(t, []EventKind{KindOnline, KindOffline}, a.kinds())
		assert.Equal(t, []EventKind{KindOnline, KindOffline}, b.kinds())
	})

	t.Run("panicking listener does not stop the others", func(t *testing.T) {
		var reported []error
		bus := NewEventBus(nil, func(sub *Subscription, ev Event, err error) {
			reported = append(reported, err)
		})
		before, after := &recorder{}, &recorder{}
		bus.Subscribe(before)
		bus.SubscribeFunc(func(Event) { panic("boom") })
		bus.Subscribe(after)

		bus.Publish(OnlineEvent{})

		assert.Len(t, before.snapshot(), 1)
		assert.Len(t, after.snapshot(), 1)
		require.Len(t, reported, 1)
		assert.True(t, errors.Is(reported[0], ErrListenerPanic))
		assert.Contains(t, reported[0].Error(), "boom")
	})

	t.Run("unsubscribe inside a callback", func(t *testing.T) {
		bus := NewEventBus(nil, nil)
		first := &recorder{}
		third := &recorder{}
		var second *Subscription
		var secondCalls int

		bus.SubscribeFunc(func(ev Event) {
			first.OnEvent(ev)
			second.Unsubscribe()
		})
		second = bus.SubscribeFunc(func(Event) { secondCalls++ })
		bus.Subscribe(third)

		bus.Publish(OnlineEvent{})
		bus.Publish(OfflineEvent{})

		assert.Equal(t, 0, secondCalls)
		assert.Len(t, first.snapshot(), 2)
		assert.Len(t, third.snapshot(), 2)
		assert.False(t, second.Active())
		assert.Equal(t, 2, bus.Len())
	})

	t.Run("unsubscribe is idempotent", func(t *testing.T) {
		var transitions []bool
		bus := NewEventBus(func(active bool) { transitions = append(transitions, active) }, nil)
		sub := bus.Subscribe(&recorder{})
		sub.Unsubscribe()
		sub.Unsubscribe()

		assert.Equal(t, []bool{true, false}, transitions)
		assert.Equal(t, 0, bus.Len())
	})

	t.Run("activation hook fires on first and last listener", func(t *testing.T) {
		var transitions []bool
		bus := NewEventBus(func(active bool) { transitions = append(transitions, active) }, nil)

		a := bus.Subscribe(&recorder{})
		b := bus.Subscribe(&recorder{})
		a.Unsubscribe()
		assert.Equal(t, []bool{true}, transitions)

		b.Unsubscribe()
		assert.Equal(t, []bool{true, false}, transitions)

		bus.Subscribe(&recorder{})
		assert.Equal(t, []bool{true, false, true}, transitions)
	})

	t.Run("subscription ids are unique", func(t *testing.T) {
		bus := NewEventBus(nil, nil)
		a := bus.Subscribe(&recorder{})
		b := bus.Subscribe(&recorder{})
		assert.NotEmpty(t, a.ID())
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("concurrent subscribe and publish", func(t *testing.T) {
		bus := NewEventBus(nil, nil)
		var delivered atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				sub := bus.SubscribeFunc(func(Event) { delivered.Add(1) })
				sub.Unsubscribe()
			}()
			go func() {
				defer wg.Done()
				bus.Publish(OnlineEvent{})
			}()
		}
		wg.Wait()
		assert.Equal(t, 0, bus.Len())
	})

	t.Run("metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		bus := NewEventBus(nil, nil)
		bus.metrics = newMetrics(reg, nil)

		bus.SubscribeFunc(func(Event) { panic("x") })
		bus.Subscribe(&recorder{})
		bus.Publish(OnlineEvent{})

		assert.Equal(t, float64(2), testutil.ToFloat64(bus.metrics.listeners))
		assert.Equal(t, float64(1), testutil.ToFloat64(bus.metrics.listenerPanics))
	})
}
