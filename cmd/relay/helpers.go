package main

import (
	"fmt"
	"time"

	relay "github.com/relaychat/relay-go"
)

// newClient builds a REST client from the config. The session token, when
// present, takes precedence over the API key for bearer auth.
func newClient(cfg *Config) (*relay.Client, error) {
	if cfg.Default.APIKey == "" {
		return nil, fmt.Errorf("no API key, run 'relay init <api-key>' first")
	}

	var opts []relay.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, relay.WithBaseURL(cfg.Default.BaseURL))
	}
	client := relay.NewClient(cfg.Default.APIKey, opts...)
	if cfg.Auth.Token != "" {
		client.SetToken(cfg.Auth.Token)
	}
	return client, nil
}

// realtimeConfig maps the [realtime] section onto a RealtimeConfig. Empty
// values keep the library defaults.
func realtimeConfig(cfg *Config) (*relay.RealtimeConfig, error) {
	rt := &relay.RealtimeConfig{APIKey: cfg.Default.APIKey}
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"heartbeat_interval", cfg.Realtime.HeartbeatInterval, &rt.HeartbeatInterval},
		{"health_check_interval", cfg.Realtime.HealthCheckInterval, &rt.HealthCheckInterval},
		{"stale_grace", cfg.Realtime.StaleGrace, &rt.StaleGrace},
		{"offline_debounce", cfg.Realtime.OfflineDebounce, &rt.OfflineDebounce},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := parseDuration(f.name, f.value)
		if err != nil {
			return nil, err
		}
		*f.dst = d
	}
	return rt, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
