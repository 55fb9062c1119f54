package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerAddr != ":8080" {
		t.Errorf("ServerAddr = %q, want %q", cfg.ServerAddr, ":8080")
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.LivenessTimeout != 60*time.Second {
		t.Errorf("LivenessTimeout = %v, want 60s", cfg.LivenessTimeout)
	}
	if cfg.EventStore != StoreMemory {
		t.Errorf("EventStore = %q, want %q", cfg.EventStore, StoreMemory)
	}
	if cfg.NotifyInterval != 5*time.Second {
		t.Errorf("NotifyInterval = %v, want 5s", cfg.NotifyInterval)
	}
	if cfg.NotifyBatchSize != 10 {
		t.Errorf("NotifyBatchSize = %d, want 10", cfg.NotifyBatchSize)
	}
	if cfg.NotifyRateLimit != 100 {
		t.Errorf("NotifyRateLimit = %d, want 100", cfg.NotifyRateLimit)
	}
	if cfg.MaxMessageSize != 64*1024 {
		t.Errorf("MaxMessageSize = %d, want 65536", cfg.MaxMessageSize)
	}
	if cfg.Production() {
		t.Error("Production should default to false")
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("PING_INTERVAL", "10s")
	t.Setenv("LIVENESS_TIMEOUT", "25s")
	t.Setenv("BACKLOG_SIZE", "8")
	t.Setenv("EVENT_STORE", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/events.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerAddr != ":9090" {
		t.Errorf("ServerAddr = %q, want %q", cfg.ServerAddr, ":9090")
	}
	if cfg.PingInterval != 10*time.Second {
		t.Errorf("PingInterval = %v, want 10s", cfg.PingInterval)
	}
	if cfg.LivenessTimeout != 25*time.Second {
		t.Errorf("LivenessTimeout = %v, want 25s", cfg.LivenessTimeout)
	}
	if cfg.BacklogSize != 8 {
		t.Errorf("BacklogSize = %d, want 8", cfg.BacklogSize)
	}
	if cfg.EventStore != StoreSQLite || cfg.SQLitePath != "/tmp/events.db" {
		t.Errorf("store = %q %q", cfg.EventStore, cfg.SQLitePath)
	}
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error = %v, want mention of JWT_SECRET", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			ServerAddr:      ":8080",
			JWTSecret:       "secret",
			EventStore:      StoreMemory,
			PingInterval:    30 * time.Second,
			LivenessTimeout: 60 * time.Second,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres without url", func(c *Config) { c.EventStore = StorePostgres }, "DATABASE_URL"},
		{"postgres with url", func(c *Config) { c.EventStore = StorePostgres; c.DatabaseURL = "postgres://x" }, ""},
		{"unknown store", func(c *Config) { c.EventStore = "redis" }, "EVENT_STORE"},
		{"timeout shorter than ping", func(c *Config) { c.LivenessTimeout = time.Second }, "LIVENESS_TIMEOUT"},
		{"short secret in production", func(c *Config) { c.Env = "production" }, "32 bytes"},
		{"sms without url", func(c *Config) { c.SMSAPIKey = "k" }, "SMS_BASE_URL"},
		{"smtp without from", func(c *Config) { c.SMTPAddr = "smtp:25" }, "SMTP_FROM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOrigins(t *testing.T) {
	cfg := &Config{AllowedOrigins: " https://nyelvszo.hu, ,http://localhost:4200 "}
	got := cfg.Origins()
	if len(got) != 2 || got[0] != "https://nyelvszo.hu" || got[1] != "http://localhost:4200" {
		t.Errorf("Origins = %v", got)
	}
	var nilCfg *Config
	if nilCfg.Origins() != nil {
		t.Error("nil config should have no origins")
	}
}
