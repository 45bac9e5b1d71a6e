package relay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqEvent carries an ordinal for ordering checks.
type seqEvent struct{ n int }

func (seqEvent) Kind() EventKind { return KindDomain }

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestOrderedDispatcher(t *testing.T) {
	t.Run("preserves submission order", func(t *testing.T) {
		var got []int
		d := NewOrderedDispatcher(func(ev Event) { got = append(got, ev.(seqEvent).n) }, nil)
		for i := 0; i < 1000; i++ {
			require.NoError(t, d.Submit(seqEvent{i}))
		}
		d.Close()
		waitClosed(t, d.Done())

		require.Len(t, got, 1000)
		for i, n := range got {
			assert.Equal(t, i, n)
		}
	})

	t.Run("concurrent submitters keep per-goroutine order", func(t *testing.T) {
		var mu sync.Mutex
		last := map[int]int{}
		ordered := true
		d := NewOrderedDispatcher(func(ev Event) {
			n := ev.(seqEvent).n
			producer, seq := n/10000, n%10000
			mu.Lock()
			if prev, ok := last[producer]; ok && seq <= prev {
				ordered = false
			}
			last[producer] = seq
			mu.Unlock()
		}, nil)

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					_ = d.Submit(seqEvent{p*10000 + i})
				}
			}(p)
		}
		wg.Wait()
		d.Close()
		waitClosed(t, d.Done())
		assert.True(t, ordered)
	})

	t.Run("close drains queued events", func(t *testing.T) {
		release := make(chan struct{})
		var got []int
		d := NewOrderedDispatcher(func(ev Event) {
			<-release
			got = append(got, ev.(seqEvent).n)
		}, nil)
		for i := 0; i < 5; i++ {
			require.NoError(t, d.Submit(seqEvent{i}))
		}
		d.Close()
		close(release)
		waitClosed(t, d.Done())
		assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	})

	t.Run("submit after close fails", func(t *testing.T) {
		d := NewOrderedDispatcher(func(Event) {}, nil)
		d.Close()
		d.Close()
		err := d.Submit(seqEvent{1})
		assert.True(t, errors.Is(err, ErrDispatcherClosed))
		waitClosed(t, d.Done())
	})

	t.Run("chained dispatchers never interleave", func(t *testing.T) {
		release := make(chan struct{})
		var mu sync.Mutex
		var got []int
		publish := func(ev Event) {
			mu.Lock()
			got = append(got, ev.(seqEvent).n)
			mu.Unlock()
		}

		first := NewOrderedDispatcher(func(ev Event) {
			<-release
			publish(ev)
		}, nil)
		second := NewOrderedDispatcher(publish, first.Done())

		require.NoError(t, first.Submit(seqEvent{1}))
		require.NoError(t, first.Submit(seqEvent{2}))
		require.NoError(t, second.Submit(seqEvent{3}))
		second.Close()

		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		assert.Empty(t, got)
		mu.Unlock()

		close(release)
		first.Close()
		waitClosed(t, second.Done())
		assert.Equal(t, []int{1, 2, 3}, got)
	})
}
