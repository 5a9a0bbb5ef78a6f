package fence

import (
	"os"
	"strconv"
	"time"
)

// Config controls heartbeat cadence, store call timeouts and the throttle
// applied to interaction-triggered heartbeats.
type Config struct {
	// HeartbeatInterval is the period of liveness writes and of retries
	// after a failed acquire or subscribe.
	HeartbeatInterval time.Duration

	// OpTimeout bounds every individual store call.
	OpTimeout time.Duration

	// ActivityBurst interaction heartbeats are allowed per ActivityWindow.
	ActivityBurst  int
	ActivityWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		OpTimeout:         5 * time.Second,
		ActivityBurst:     6,
		ActivityWindow:    30 * time.Second,
	}
}

// Validate enforces the invariants LoadConfigFromEnv relies on.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 || c.OpTimeout <= 0 || c.ActivityWindow <= 0 {
		return ErrConfig
	}
	if c.ActivityBurst < 1 {
		return ErrConfig
	}
	// A store call must finish before the next tick is due.
	if c.OpTimeout >= c.HeartbeatInterval {
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv loads fence configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - COURIER_FENCE_HEARTBEAT_INTERVAL
//   - COURIER_FENCE_OP_TIMEOUT
//   - COURIER_FENCE_ACTIVITY_BURST
//   - COURIER_FENCE_ACTIVITY_WINDOW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("COURIER_FENCE_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.HeartbeatInterval = d
	}

	if v := os.Getenv("COURIER_FENCE_OP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.OpTimeout = d
	}

	if v := os.Getenv("COURIER_FENCE_ACTIVITY_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, ErrConfig
		}
		cfg.ActivityBurst = n
	}

	if v := os.Getenv("COURIER_FENCE_ACTIVITY_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.ActivityWindow = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
