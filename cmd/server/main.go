package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/config"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/eventlog"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/notify"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/search"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/server"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.NewProviders(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	defer store.Close()
	events := eventlog.NewLog(store, logger)

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
	}

	var searcher search.Searcher = search.NewMemorySearcher()
	if db != nil {
		searcher = search.NewSQLSearcher(db)
	}

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		return err
	}

	prefs := notify.NewMemoryPreferences()
	notifyCfg := notify.DefaultConfig()
	notifyCfg.Interval = cfg.NotifyInterval
	notifyCfg.BatchSize = cfg.NotifyBatchSize
	notifyCfg.RateLimit = cfg.NotifyRateLimit
	notifyCfg.BackoffUnit = cfg.NotifyBackoffUnit
	notifications := notify.NewService(notifyCfg, notify.NewTemplates(), prefs, logger)

	var dir notify.Directory = notify.NewMapDirectory(nil)
	if db != nil {
		dir = notify.NewSQLDirectory(db, "")
	}
	if cfg.SMSAPIKey != "" {
		notifications.Register(notify.NewSMSChannel(cfg.SMSAPIKey, cfg.SMSBaseURL, cfg.SMSSender, dir))
	}
	if cfg.SMTPAddr != "" {
		notifications.Register(notify.NewEmailChannel(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword, dir))
	}

	srv := server.New(server.Options{
		Config:      server.ConfigFrom(cfg),
		Verifier:    verifier,
		Events:      events,
		Notify:      notifications,
		Preferences: prefs,
		Searcher:    searcher,
		Logger:      logger,
	})

	logger.Info("starting nyelvszo realtime server",
		"addr", cfg.ServerAddr, "env", cfg.Env, "event_store", cfg.EventStore)
	return srv.Run(ctx, shutdownTimeout)
}

func openStore(ctx context.Context, cfg *config.Config) (eventlog.Store, error) {
	switch cfg.EventStore {
	case config.StorePostgres:
		return eventlog.OpenPostgres(ctx, cfg.DatabaseURL)
	case config.StoreSQLite:
		return eventlog.OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return eventlog.NewMemoryStore(), nil
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", telemetry.ServiceName)
}
