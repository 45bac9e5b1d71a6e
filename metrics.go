package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relay"

// metrics holds the Prometheus collectors of one RealtimeClient. A nil
// *metrics is valid and records nothing.
type metrics struct {
	stateTransitions *prometheus.CounterVec
	reconnects       prometheus.Counter
	frames           *prometheus.CounterVec
	heartbeats       prometheus.Counter
	listenerPanics   prometheus.Counter
	queueDepthGauge  prometheus.Gauge
	listeners        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &metrics{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "state_transitions_total",
			Help:        "Connection state transitions by target state",
			ConstLabels: constLabels,
		}, []string{"state"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "reconnects_scheduled_total",
			Help:        "Reconnect timers scheduled after a transport drop",
			ConstLabels: constLabels,
		}),

		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_received_total",
			Help:        "Inbound frames by classification",
			ConstLabels: constLabels,
		}, []string{"kind"}),

		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "heartbeats_sent_total",
			Help:        "Heartbeat frames written to the transport",
			ConstLabels: constLabels,
		}),

		listenerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "listener_panics_total",
			Help:        "Listener callbacks that panicked during delivery",
			ConstLabels: constLabels,
		}),

		queueDepthGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "dispatch_queue_depth",
			Help:        "Events waiting in the ordered dispatcher",
			ConstLabels: constLabels,
		}),

		listeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "listeners",
			Help:        "Registered event listeners",
			ConstLabels: constLabels,
		}),
	}
}

func (m *metrics) transition(to StateKind) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(to.String()).Inc()
}

func (m *metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *metrics) frame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *metrics) heartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *metrics) listenerPanic() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}

func (m *metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepthGauge.Set(float64(n))
}

func (m *metrics) listenerCount(n int) {
	if m == nil {
		return
	}
	m.listeners.Set(float64(n))
}
