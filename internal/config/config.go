// Package config loads and validates process configuration from the environment
// and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Event store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// ServerAddr is the HTTP listen address (e.g. :8080).
	ServerAddr string `mapstructure:"SERVER_ADDR"`
	// AllowedOrigins is a comma-separated list of browser origins allowed to open
	// WebSocket connections. Empty allows every origin.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	// MaxMessageSize caps inbound frame size in bytes.
	MaxMessageSize int64 `mapstructure:"MAX_MESSAGE_SIZE"`
	// RateLimitBurst is the per-connection token bucket capacity.
	RateLimitBurst int `mapstructure:"RATE_LIMIT_BURST"`
	// RateLimitRefillInterval is the time to refill one token.
	RateLimitRefillInterval time.Duration `mapstructure:"RATE_LIMIT_REFILL_INTERVAL"`
	// PingInterval is how often the liveness sweep runs.
	PingInterval time.Duration `mapstructure:"PING_INTERVAL"`
	// LivenessTimeout terminates connections silent for longer than this.
	LivenessTimeout time.Duration `mapstructure:"LIVENESS_TIMEOUT"`
	// BacklogSize bounds the per-connection overflow backlog.
	BacklogSize int `mapstructure:"BACKLOG_SIZE"`

	// JWTSecret is the HS256 shared secret. Required.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTIssuer is checked against the iss claim when set.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	// EventStore selects memory, sqlite or postgres.
	EventStore string `mapstructure:"EVENT_STORE"`
	// DatabaseURL is the Postgres DSN used by the postgres store, search and the
	// contact directory.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SQLitePath is the database file of the sqlite store.
	SQLitePath string `mapstructure:"SQLITE_PATH"`

	NotifyInterval    time.Duration `mapstructure:"NOTIFY_INTERVAL"`
	NotifyBatchSize   int           `mapstructure:"NOTIFY_BATCH_SIZE"`
	NotifyRateLimit   int           `mapstructure:"NOTIFY_RATE_LIMIT"`
	NotifyBackoffUnit time.Duration `mapstructure:"NOTIFY_BACKOFF_UNIT"`

	// SMSAPIKey enables the SMS channel when set.
	SMSAPIKey  string `mapstructure:"SMS_API_KEY"`
	SMSBaseURL string `mapstructure:"SMS_BASE_URL"`
	SMSSender  string `mapstructure:"SMS_SENDER"`

	// SMTPAddr enables the email channel when set (host:port).
	SMTPAddr     string `mapstructure:"SMTP_ADDR"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`

	// OTLPEndpoint enables OTLP gRPC metric export when set.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is text or json.
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDR", ":8080")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("MAX_MESSAGE_SIZE", 64*1024)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("RATE_LIMIT_REFILL_INTERVAL", "100ms")
	v.SetDefault("PING_INTERVAL", "30s")
	v.SetDefault("LIVENESS_TIMEOUT", "60s")
	v.SetDefault("BACKLOG_SIZE", 256)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("EVENT_STORE", StoreMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SQLITE_PATH", "nyelvszo-events.db")
	v.SetDefault("NOTIFY_INTERVAL", "5s")
	v.SetDefault("NOTIFY_BATCH_SIZE", 10)
	v.SetDefault("NOTIFY_RATE_LIMIT", 100)
	v.SetDefault("NOTIFY_BACKOFF_UNIT", "1s")
	v.SetDefault("SMS_API_KEY", "")
	v.SetDefault("SMS_BASE_URL", "")
	v.SetDefault("SMS_SENDER", "")
	v.SetDefault("SMTP_ADDR", "")
	v.SetDefault("SMTP_FROM", "")
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("APP_ENV", "development")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("config: SERVER_ADDR must be set")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET must be set")
	}
	if c.Env == "production" && len(c.JWTSecret) < 32 {
		return errors.New("config: JWT_SECRET must be at least 32 bytes when APP_ENV=production")
	}
	switch c.EventStore {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when EVENT_STORE=postgres")
		}
	default:
		return fmt.Errorf("config: EVENT_STORE must be memory, sqlite or postgres, got %q", c.EventStore)
	}
	if c.EventStore == StoreSQLite && c.SQLitePath == "" {
		return errors.New("config: SQLITE_PATH must be set when EVENT_STORE=sqlite")
	}
	if c.LivenessTimeout > 0 && c.PingInterval > 0 && c.LivenessTimeout < c.PingInterval {
		return errors.New("config: LIVENESS_TIMEOUT must not be shorter than PING_INTERVAL")
	}
	if c.SMSAPIKey != "" && c.SMSBaseURL == "" {
		return errors.New("config: SMS_BASE_URL must be set when SMS_API_KEY is set")
	}
	if c.SMTPAddr != "" && c.SMTPFrom == "" {
		return errors.New("config: SMTP_FROM must be set when SMTP_ADDR is set")
	}
	return nil
}

// Origins returns the allowed origins from the comma-separated setting.
func (c *Config) Origins() []string {
	if c == nil || c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
	return c != nil && strings.EqualFold(c.Env, "production")
}
