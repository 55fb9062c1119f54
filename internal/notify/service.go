package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Config tunes the delivery processor.
type Config struct {
	// Interval between processor ticks.
	Interval time.Duration
	// BatchSize caps how many due tasks one tick processes.
	BatchSize int
	// Concurrency caps parallel sends within a batch.
	Concurrency int
	// RateLimit caps deliveries per (recipient, template) per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// BackoffUnit is multiplied by 2^attempts between retries.
	BackoffUnit time.Duration
	// GuaranteedAttempts is the attempt budget of guaranteed deliveries.
	GuaranteedAttempts int
	// SendTimeout bounds a single channel send.
	SendTimeout time.Duration
	// Retention keeps finished tasks inspectable for this long.
	Retention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		BatchSize:          10,
		Concurrency:        4,
		RateLimit:          100,
		RateWindow:         time.Hour,
		BackoffUnit:        time.Second,
		GuaranteedAttempts: 5,
		SendTimeout:        10 * time.Second,
		Retention:          24 * time.Hour,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = def.BackoffUnit
	}
	if cfg.GuaranteedAttempts <= 0 {
		cfg.GuaranteedAttempts = def.GuaranteedAttempts
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return cfg
}

// Service accepts notification requests and delivers them asynchronously.
type Service struct {
	cfg       Config
	templates *Templates
	prefs     Preferences
	logger    *slog.Logger
	limiter   *windowLimiter
	now       func() time.Time

	chMu     sync.RWMutex
	channels map[string]Channel

	mu    sync.Mutex
	tasks map[string]*Task

	obsMu    sync.RWMutex
	onFailed []func(Task)

	deliveries metric.Int64Counter
	dropped    metric.Int64Counter
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now; tests use it to step through backoff windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a Service. Channels are added with Register.
func NewService(cfg Config, templates *Templates, prefs Preferences, logger *slog.Logger, opts ...Option) *Service {
	cfg = sanitizeConfig(cfg)
	if templates == nil {
		templates = NewTemplates()
	}
	if prefs == nil {
		prefs = NewMemoryPreferences()
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("github.com/aporkolab/Nyelvszo-v.2.0/internal/notify")
	deliveries, _ := meter.Int64Counter("notify.deliveries",
		metric.WithDescription("Delivery attempts by channel and outcome"))
	dropped, _ := meter.Int64Counter("notify.rate_limited",
		metric.WithDescription("Recipients dropped by the per-template rate limit"))

	s := &Service{
		cfg:        cfg,
		templates:  templates,
		prefs:      prefs,
		logger:     logger.With("component", "notify"),
		limiter:    newWindowLimiter(cfg.RateLimit, cfg.RateWindow),
		now:        time.Now,
		channels:   make(map[string]Channel),
		tasks:      make(map[string]*Task),
		deliveries: deliveries,
		dropped:    dropped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds or replaces a delivery channel.
func (s *Service) Register(ch Channel) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	s.channels[ch.Name()] = ch
}

func (s *Service) channel(name string) (Channel, bool) {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// Templates exposes the template registry.
func (s *Service) Templates() *Templates { return s.templates }

// OnFailed registers fn to be called when a task exhausts its attempts.
func (s *Service) OnFailed(fn func(Task)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onFailed = append(s.onFailed, fn)
}

// Send queues one task per recipient and enabled channel and returns the
// notification id. The id is empty when preferences or the rate limit left
// nothing to deliver.
func (s *Service) Send(ctx context.Context, req Request) (string, error) {
	if len(req.Recipients) == 0 {
		return "", ErrNoRecipients
	}
	if !s.templates.Has(req.Template) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, req.Template)
	}
	channels := req.Channels
	if len(channels) == 0 {
		channels = []string{ChannelLive}
	}
	maxAttempts := 1
	if req.DeliveryGuarantee {
		maxAttempts = s.cfg.GuaranteedAttempts
	}

	now := s.now()
	notificationID := uuid.NewString()
	var created []*Task
	for _, recipient := range dedupe(req.Recipients) {
		var enabled []string
		for _, ch := range dedupe(channels) {
			if s.prefs.Enabled(recipient, ch) {
				enabled = append(enabled, ch)
			}
		}
		if len(enabled) == 0 {
			continue
		}
		if !s.limiter.allow(recipient, req.Template, now) {
			s.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("template", req.Template)))
			s.logger.Debug("notification rate limited", "recipient", recipient, "template", req.Template)
			continue
		}
		for _, ch := range enabled {
			created = append(created, &Task{
				ID:             uuid.NewString(),
				NotificationID: notificationID,
				Recipient:      recipient,
				Channel:        ch,
				Template:       req.Template,
				Data:           req.Data,
				Priority:       req.Priority,
				Status:         StatusPending,
				MaxAttempts:    maxAttempts,
				NextAttemptAt:  now,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
	}
	if len(created) == 0 {
		return "", nil
	}

	s.mu.Lock()
	for _, task := range created {
		s.tasks[task.ID] = task
	}
	s.mu.Unlock()

	s.logger.Info("notification queued",
		"notification_id", notificationID,
		"template", req.Template,
		"tasks", len(created),
		"priority", req.Priority.String())
	return notificationID, nil
}

// Run processes due tasks every Interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("notification processor started", "interval", s.cfg.Interval, "batch", s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("notification processor stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification tick panicked", "panic", r)
		}
	}()
	s.ProcessDue(ctx)
	now := s.now()
	s.limiter.sweep(now)
	s.prune(now.Add(-s.cfg.Retention))
}

// ProcessDue delivers up to BatchSize due pending tasks, highest priority
// first, and returns how many were attempted.
func (s *Service) ProcessDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	due := make([]*Task, 0)
	for _, task := range s.tasks {
		if task.Status == StatusPending && !task.NextAttemptAt.After(now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > s.cfg.BatchSize {
		due = due[:s.cfg.BatchSize]
	}
	batch := make([]Task, len(due))
	for i, task := range due {
		task.Status = StatusProcessing
		task.Attempts++
		task.UpdatedAt = now
		batch[i] = *task
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range batch {
		task := batch[i]
		g.Go(func() error {
			s.finish(ctx, task, s.deliver(ctx, task))
			return nil
		})
	}
	_ = g.Wait()
	return len(batch)
}

type outcome struct {
	msg *Message
	err error
}

func (s *Service) deliver(ctx context.Context, task Task) outcome {
	msg, err := s.templates.Render(task.Template, task.Data)
	if err != nil {
		return outcome{err: err}
	}
	ch, ok := s.channel(task.Channel)
	if !ok {
		return outcome{msg: &msg, err: fmt.Errorf("%w: %s", ErrUnknownChannel, task.Channel)}
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return outcome{msg: &msg, err: ch.Send(sendCtx, task.Recipient, msg)}
}

func (s *Service) finish(ctx context.Context, snapshot Task, out outcome) {
	now := s.now()

	s.mu.Lock()
	task, ok := s.tasks[snapshot.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	task.Message = out.msg
	task.UpdatedAt = now
	var failed *Task
	switch {
	case out.err == nil:
		task.Status = StatusDelivered
		task.LastError = ""
	case task.Attempts < task.MaxAttempts:
		task.Status = StatusPending
		task.LastError = out.err.Error()
		task.NextAttemptAt = now.Add(s.backoff(task.Attempts))
	default:
		task.Status = StatusFailed
		task.LastError = out.err.Error()
		copied := *task
		failed = &copied
	}
	result := *task
	s.mu.Unlock()

	s.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", result.Channel),
		attribute.String("status", string(result.Status)),
	))

	switch result.Status {
	case StatusDelivered:
		s.logger.Debug("notification delivered", "task_id", result.ID, "recipient", result.Recipient, "channel", result.Channel)
	case StatusPending:
		s.logger.Warn("notification delivery failed, retrying",
			"task_id", result.ID, "channel", result.Channel, "attempt", result.Attempts,
			"next_attempt_at", result.NextAttemptAt, "error", result.LastError)
	}
	if failed != nil {
		s.logger.Error("notification delivery failed permanently",
			"task_id", failed.ID, "recipient", failed.Recipient, "channel", failed.Channel,
			"attempts", failed.Attempts, "error", failed.LastError)
		s.emitFailed(*failed)
	}
}

// backoff returns 2^attempts BackoffUnits.
func (s *Service) backoff(attempts int) time.Duration {
	if attempts > 30 {
		attempts = 30
	}
	return s.cfg.BackoffUnit * time.Duration(int64(1)<<uint(attempts))
}

func (s *Service) emitFailed(task Task) {
	s.obsMu.RLock()
	fns := append([]func(Task){}, s.onFailed...)
	s.obsMu.RUnlock()
	for _, fn := range fns {
		fn(task)
	}
}

// Task returns a copy of the task with the given id.
func (s *Service) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Tasks returns copies of every retained task, oldest first.
func (s *Service) Tasks() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats counts tasks by status.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, task := range s.tasks {
		switch task.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusDelivered:
			st.Delivered++
		case StatusFailed:
			st.Failed++
		}
	}
	st.Total = len(s.tasks)
	return st
}

// Prune drops delivered and failed tasks last updated before the cutoff and
// returns how many were removed.
func (s *Service) Prune(olderThan time.Duration) int {
	return s.prune(s.now().Add(-olderThan))
}

func (s *Service) prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, task := range s.tasks {
		finished := task.Status == StatusDelivered || task.Status == StatusFailed
		if finished && task.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
