package relay

import "sync"

// OrderedDispatcher hands events from any goroutine to a single worker that
// publishes them in submission order. The queue is unbounded so Submit never
// blocks the network goroutine.
type OrderedDispatcher struct {
	mu      sync.Mutex
	queue   []Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	publish func(Event)
	metrics *metrics
}

// NewOrderedDispatcher starts the worker. If after is non-nil the worker
// waits for it to be closed before publishing anything, which chains the
// dispatchers of consecutive sessions.
func NewOrderedDispatcher(publish func(Event), after <-chan struct{}) *OrderedDispatcher {
	return newOrderedDispatcher(publish, after, nil)
}

func newOrderedDispatcher(publish func(Event), after <-chan struct{}, m *metrics) *OrderedDispatcher {
	d := &OrderedDispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		publish: publish,
		metrics: m,
	}
	go d.run(after)
	return d
}

// Submit enqueues ev. It fails only after Close.
func (d *OrderedDispatcher) Submit(ev Event) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.queue = append(d.queue, ev)
	depth := len(d.queue)
	d.mu.Unlock()

	d.metrics.queueDepth(depth)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting events. Events already queued are still published;
// Done is closed once they are.
func (d *OrderedDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the worker has drained the queue after Close.
func (d *OrderedDispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *OrderedDispatcher) run(after <-chan struct{}) {
	defer close(d.done)
	if after != nil {
		<-after
	}
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		ev := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		depth := len(d.queue)
		d.mu.Unlock()

		d.metrics.queueDepth(depth)
		d.publish(ev)
	}
}
