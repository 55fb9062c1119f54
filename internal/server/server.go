package server

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/eventlog"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/notify"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/search"
)

// PreferenceStore is the writable side of notification preferences used by
// the management API.
type PreferenceStore interface {
	notify.Preferences
	Set(userID, channel string, enabled bool)
	Get(userID string) map[string]bool
}

// Options wires a Server. Only Config is required; missing collaborators
// disable the features that need them.
type Options struct {
	Config      Config
	Verifier    *auth.Verifier
	Events      *eventlog.Log
	Notify      *notify.Service
	Preferences PreferenceStore
	Searcher    search.Searcher
	Logger      *slog.Logger
	HubOptions  []HubOption
}

// Server composes the hub, the dispatcher, the HTTP routes and the live
// notification channel.
type Server struct {
	cfg        Config
	hub        *Hub
	dispatcher *Dispatcher
	notify     *notify.Service
	prefs      PreferenceStore
	verifier   *auth.Verifier
	logger     *slog.Logger
	origins    *originPolicy
	upgrader   websocket.Upgrader
	router     *httprouter.Router
	detach     func()
	closeOnce  sync.Once
}

// New builds a Server from opts.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := sanitizeConfig(opts.Config)
	hub := NewHub(cfg, opts.Verifier, logger, opts.HubOptions...)

	s := &Server{
		cfg:        cfg,
		hub:        hub,
		dispatcher: NewDispatcher(hub, opts.Events, opts.Searcher, logger),
		notify:     opts.Notify,
		prefs:      opts.Preferences,
		verifier:   opts.Verifier,
		logger:     logger.With("component", "server"),
		origins:    newOriginPolicy(cfg.AllowedOrigins, logger),
		router:     httprouter.New(),
		detach:     func() {},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}

	if opts.Events != nil {
		s.detach = hub.AttachEventLog(opts.Events)
	}
	if opts.Notify != nil {
		opts.Notify.Register(NewLiveChannel(hub))
		opts.Notify.OnFailed(s.alertDeliveryFailure)
	}

	s.setupRoutes()
	return s
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Dispatcher returns the frame dispatcher.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// alertDeliveryFailure tells admin:alerts subscribers that a task exhausted
// its attempts.
func (s *Server) alertDeliveryFailure(task notify.Task) {
	data := map[string]any{
		"taskId":    task.ID,
		"recipient": task.Recipient,
		"channel":   task.Channel,
		"error":     task.LastError,
	}
	msg, err := s.notify.Templates().Render("delivery_alert", data)
	if err != nil {
		s.logger.Warn("render delivery alert", "error", err)
		msg = notify.Message{Template: "delivery_alert", Body: task.LastError, Data: data}
	}
	s.hub.FanOut(Topic(TopicAdminAlerts), encodeFrame(TypeNotification, msg))
}
