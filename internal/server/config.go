package server

import (
	"time"

	appconfig "github.com/aporkolab/Nyelvszo-v.2.0/internal/config"
)

// RateLimitConfig defines the parameters for per-connection inbound frame
// rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the transport settings of one Server. Each Hub owns its copy;
// there is no package-level configuration.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	// PingInterval is the liveness sweep period.
	PingInterval time.Duration
	// LivenessTimeout terminates connections with no pong, heartbeat or inbound
	// frame for this long.
	LivenessTimeout time.Duration
	// SendBuffer is the outbound channel capacity per connection.
	SendBuffer int
	// BacklogSize bounds the overflow backlog used while SendBuffer is full.
	BacklogSize int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// NewConfig returns a Config populated with defaults.
func NewConfig() Config {
	return Config{
		Addr:           ":8080",
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: 100 * time.Millisecond,
		},
		PingInterval:    30 * time.Second,
		LivenessTimeout: 60 * time.Second,
		SendBuffer:      256,
		BacklogSize:     256,
		WriteTimeout:    10 * time.Second,
	}
}

// ConfigFrom maps the process configuration onto transport settings.
func ConfigFrom(c *appconfig.Config) Config {
	cfg := NewConfig()
	if c == nil {
		return cfg
	}
	cfg.Addr = c.ServerAddr
	cfg.AllowedOrigins = c.Origins()
	cfg.MaxMessageSize = c.MaxMessageSize
	cfg.RateLimit = RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefillInterval}
	cfg.PingInterval = c.PingInterval
	cfg.LivenessTimeout = c.LivenessTimeout
	cfg.BacklogSize = c.BacklogSize
	return sanitizeConfig(cfg)
}

func sanitizeConfig(cfg Config) Config {
	def := NewConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = def.LivenessTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = def.BacklogSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
