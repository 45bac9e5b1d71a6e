package relay

import (
	"net/http"
	"time"
)

// RealtimeConfig configures realtime clients.
type RealtimeConfig struct {
	// APIKey is embedded in the connect URL.
	APIKey string
	// Path is appended to the websocket base URL. Default "/connect".
	Path string
	// HeartbeatInterval is how often a health.check frame is sent while
	// connected. Default 30s.
	HeartbeatInterval time.Duration
	// HealthCheckInterval is how often staleness is evaluated. Default 1s.
	HealthCheckInterval time.Duration
	// StaleGrace is added to HeartbeatInterval to form the staleness
	// threshold. Default 10s.
	StaleGrace time.Duration
	// OfflineDebounce delays the offline event so short blips stay silent.
	// Default 5s.
	OfflineDebounce time.Duration
	// DialTimeout bounds the websocket handshake. Default 10s.
	DialTimeout time.Duration
	// ReadLimit is the largest inbound frame accepted. Default 1 MiB.
	ReadLimit  int64
	HTTPClient *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/connect"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 1 * time.Second
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = 10 * time.Second
	}
	if c.OfflineDebounce <= 0 {
		c.OfflineDebounce = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// staleAfter is the silence after which a connected session is unhealthy.
func (c *RealtimeConfig) staleAfter() time.Duration {
	return c.HeartbeatInterval + c.StaleGrace
}
