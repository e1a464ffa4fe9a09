package redispubsub

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
)

// Config for the Redis pub/sub transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration

	// Subscriber
	ChannelSize    int           // buffered messages between the socket reader and listeners
	ConfirmTimeout time.Duration // max wait for a SUBSCRIBE/UNSUBSCRIBE confirmation

	// HealthInterval is how often both handles are pinged to refresh Status.
	HealthInterval time.Duration

	// Clock stamps received messages (default: xclock.Default()).
	Clock xclock.Clock
}

// Defaults returns a Config suitable for a gateway next to a local Redis.
func Defaults() Config {
	return Config{
		Addr:           "127.0.0.1:6379",
		PoolSize:       10,
		MinIdleConns:   2,
		DialTimeout:    5 * time.Second,
		ChannelSize:    1000,
		ConfirmTimeout: 2 * time.Second,
		HealthInterval: 5 * time.Second,
	}
}

// Validate checks Config before dialing.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.DB < 0 {
		return fmt.Errorf("config: db must be >= 0, got %d", c.DB)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.ChannelSize < 1 {
		return fmt.Errorf("config: channel_size must be >= 1, got %d", c.ChannelSize)
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("config: confirm_timeout must be > 0, got %v", c.ConfirmTimeout)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("config: health_interval must be > 0, got %v", c.HealthInterval)
	}
	return nil
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"pool_size":       c.PoolSize,
		"min_idle_conns":  c.MinIdleConns,
		"dial_timeout":    c.DialTimeout,
		"channel_size":    c.ChannelSize,
		"confirm_timeout": c.ConfirmTimeout,
		"health_interval": c.HealthInterval,
		"clock":           c.Clock,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
// Durations may be given as time.Duration or as strings like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["pool_size"].(int); ok && v > 0 {
		c.PoolSize = v
	}
	if v, ok := m["min_idle_conns"].(int); ok && v >= 0 {
		c.MinIdleConns = v
	}
	if v, ok := duration(m["dial_timeout"]); ok {
		c.DialTimeout = v
	}
	if v, ok := m["channel_size"].(int); ok && v > 0 {
		c.ChannelSize = v
	}
	if v, ok := duration(m["confirm_timeout"]); ok {
		c.ConfirmTimeout = v
	}
	if v, ok := duration(m["health_interval"]); ok {
		c.HealthInterval = v
	}
	if v, ok := m["clock"].(xclock.Clock); ok {
		c.Clock = v
	}

	return c
}

func duration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, d > 0
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil && p > 0
	}
	return 0, false
}
