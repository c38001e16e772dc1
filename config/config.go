// Package config loads bridge configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full environment surface of the bridge process. Defaults are
// provided via struct tags and suit a single-instance local deployment.
type Config struct {
	// Host is the listen address for the HTTP ingress. ENV: BRIDGE_HOST
	Host string `env:"BRIDGE_HOST,default=127.0.0.1"`
	// Port is the listen port for the HTTP ingress. ENV: BRIDGE_PORT
	Port int `env:"BRIDGE_PORT,default=8180"`
	// Debug enables debug-level logging. ENV: BRIDGE_DEBUG
	Debug bool `env:"BRIDGE_DEBUG,default=false"`

	// MaxConnectionsPerUser caps concurrent streams per user context; the
	// oldest connection is evicted when the cap would be exceeded.
	MaxConnectionsPerUser int `env:"BRIDGE_MAX_CONNECTIONS_PER_USER,default=5"`

	// QueueWait bounds each response-queue wait and therefore sets the
	// keep-alive cadence on idle streams.
	QueueWait time.Duration `env:"BRIDGE_QUEUE_WAIT,default=15s"`
	// BackendTimeout bounds a single backend forwarding call.
	BackendTimeout time.Duration `env:"BRIDGE_BACKEND_TIMEOUT,default=30s"`
	// MaxIdle is how long a connection may go without activity before the
	// reaper evicts it.
	MaxIdle time.Duration `env:"BRIDGE_MAX_IDLE,default=5m"`
	// ReapInterval is the reaper sweep cadence.
	ReapInterval time.Duration `env:"BRIDGE_REAP_INTERVAL,default=1m"`
	// StatsInterval is the cadence of the periodic stats log line.
	StatsInterval time.Duration `env:"BRIDGE_STATS_INTERVAL,default=1m"`

	// RedisAddr, when set, selects the shared redis-backed connection store
	// for multi-instance deployments. Empty selects the in-process store.
	RedisAddr string `env:"BRIDGE_REDIS_ADDR,default="`
	// RedisKeyPrefix prefixes all redis keys. ENV: BRIDGE_REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"BRIDGE_REDIS_KEY_PREFIX,default=bridge:"`
	// StoreFallback permits falling back to the in-process store when redis
	// is unreachable at startup. The fallback is surfaced as a degraded state
	// in stats; with it disabled an unreachable store is fatal.
	StoreFallback bool `env:"BRIDGE_STORE_FALLBACK,default=false"`

	// APISecret supplies the secret half for bare API-key credentials.
	APISecret string `env:"BRIDGE_API_SECRET,default="`
}

// Load populates a Config from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("BRIDGE_MAX_CONNECTIONS_PER_USER must be at least 1, got %d", c.MaxConnectionsPerUser)
	}
	if c.QueueWait <= 0 {
		return fmt.Errorf("BRIDGE_QUEUE_WAIT must be positive, got %s", c.QueueWait)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BRIDGE_BACKEND_TIMEOUT must be positive, got %s", c.BackendTimeout)
	}
	if c.MaxIdle <= 0 {
		return fmt.Errorf("BRIDGE_MAX_IDLE must be positive, got %s", c.MaxIdle)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("BRIDGE_REAP_INTERVAL must be positive, got %s", c.ReapInterval)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("BRIDGE_STATS_INTERVAL must be positive, got %s", c.StatsInterval)
	}
	return nil
}
