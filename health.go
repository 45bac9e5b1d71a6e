package relay

import (
	"context"
	"time"
)

// healthProbe is the session side of the health monitor. Each call takes the
// session lock itself and ignores a stale generation.
type healthProbe interface {
	sendHeartbeat(gen uint64)
	lastInbound(gen uint64) (time.Time, bool)
	markStale(gen uint64)
	announceOffline(seq uint64)
}

// healthMonitor sends heartbeats, detects silent connections and debounces
// the online/offline signal. It is guarded by the owning session's lock.
type healthMonitor struct {
	cfg   *RealtimeConfig
	probe healthProbe

	stopLoop     context.CancelFunc
	offlineTimer *time.Timer
	offlineSeq   uint64
	online       bool
}

func newHealthMonitor(cfg *RealtimeConfig, probe healthProbe) *healthMonitor {
	return &healthMonitor{cfg: cfg, probe: probe}
}

// start launches the heartbeat and staleness loop for one connected attempt.
func (m *healthMonitor) start(gen uint64) {
	m.stop()
	ctx, cancel := context.WithCancel(context.Background())
	m.stopLoop = cancel
	go m.loop(ctx, gen, m.cfg.HeartbeatInterval, m.cfg.HealthCheckInterval, m.cfg.staleAfter())
}

func (m *healthMonitor) loop(ctx context.Context, gen uint64, heartbeatEvery, checkEvery, staleAfter time.Duration) {
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	check := time.NewTicker(checkEvery)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			m.probe.sendHeartbeat(gen)
		case now := <-check.C:
			last, ok := m.probe.lastInbound(gen)
			if !ok {
				return
			}
			if now.Sub(last) > staleAfter {
				m.probe.markStale(gen)
				return
			}
		}
	}
}

// stop cancels the heartbeat and staleness loop.
func (m *healthMonitor) stop() {
	if m.stopLoop != nil {
		m.stopLoop()
		m.stopLoop = nil
	}
}

// reset marks the connection healthy. It reports whether the session just
// went online; a pending offline announcement is dropped.
func (m *healthMonitor) reset() bool {
	m.cancelOffline()
	if m.online {
		return false
	}
	m.online = true
	return true
}

// markUnhealthy arms the offline debounce unless one is already pending or
// offline was already announced.
func (m *healthMonitor) markUnhealthy() {
	if !m.online || m.offlineTimer != nil {
		return
	}
	m.offlineSeq++
	seq := m.offlineSeq
	m.offlineTimer = time.AfterFunc(m.cfg.OfflineDebounce, func() {
		m.probe.announceOffline(seq)
	})
}

// offlineDue reports whether the debounce identified by seq is still
// current, and if so records the session as offline.
func (m *healthMonitor) offlineDue(seq uint64) bool {
	if m.offlineTimer == nil || seq != m.offlineSeq {
		return false
	}
	m.offlineTimer = nil
	m.online = false
	return true
}

func (m *healthMonitor) cancelOffline() {
	m.offlineSeq++
	if m.offlineTimer != nil {
		m.offlineTimer.Stop()
		m.offlineTimer = nil
	}
}

// shutdown stops every timer; used on explicit disconnect.
func (m *healthMonitor) shutdown() {
	m.stop()
	m.cancelOffline()
}
