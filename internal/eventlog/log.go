package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// AllStreams registers an observer for every stream.
const AllStreams = "*"

// Handler observes events after they are persisted.
type Handler func(Event)

// AppendOptions controls a single Append call. ExpectedVersion has no useful
// zero value for collaborative writers; pass AnyVersion to skip the check.
type AppendOptions struct {
	ExpectedVersion int64
	Metadata        Metadata
}

// Log is the bridge between writers, the Store, and in-process observers.
// Appends to one stream are serialized in-process so observers see each
// stream's events in sequence order.
type Log struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	observers map[string]map[uint64]Handler
	nextObs   uint64

	locks streamLocks

	appended  metric.Int64Counter
	conflicts metric.Int64Counter
}

// NewLog wraps store. A nil logger falls back to slog.Default().
func NewLog(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/aporkolab/Nyelvszo-v.2.0/internal/eventlog")
	appended, _ := meter.Int64Counter("eventlog.events.appended",
		metric.WithDescription("Events persisted to the event log"))
	conflicts, _ := meter.Int64Counter("eventlog.append.conflicts",
		metric.WithDescription("Appends rejected by the optimistic-concurrency check"))

	return &Log{
		store:     store,
		logger:    logger.With("component", "eventlog"),
		now:       time.Now,
		observers: make(map[string]map[uint64]Handler),
		locks:     streamLocks{m: make(map[string]*streamLock)},
		appended:  appended,
		conflicts: conflicts,
	}
}

// Store returns the underlying store.
func (l *Log) Store() Store { return l.store }

// OnAppended registers h for events of streamID (or AllStreams). The returned
// function removes the registration.
func (l *Log) OnAppended(streamID string, h Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextObs++
	id := l.nextObs
	if l.observers[streamID] == nil {
		l.observers[streamID] = make(map[uint64]Handler)
	}
	l.observers[streamID][id] = h

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers[streamID], id)
		if len(l.observers[streamID]) == 0 {
			delete(l.observers, streamID)
		}
	}
}

// Append persists pending as one atomic batch and then notifies observers.
func (l *Log) Append(ctx context.Context, streamID string, pending []Pending, opts AppendOptions) ([]Event, error) {
	if streamID == "" {
		return nil, errors.New("eventlog: stream id is required")
	}
	if len(pending) == 0 {
		return nil, ErrEmptyAppend
	}

	meta := opts.Metadata
	if meta.Timestamp.IsZero() {
		meta.Timestamp = l.now().UTC()
	}
	if meta.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			meta.TraceID = sc.TraceID().String()
		}
	}

	events := make([]Event, len(pending))
	for i, p := range pending {
		events[i] = Event{
			ID:            uuid.NewString(),
			StreamID:      streamID,
			Type:          p.Type,
			AggregateID:   p.AggregateID,
			AggregateType: p.AggregateType,
			Payload:       p.Payload,
			Metadata:      meta,
		}
	}

	unlock := l.locks.lock(streamID)
	defer unlock()

	persisted, err := l.store.Append(ctx, streamID, opts.ExpectedVersion, events)
	if err != nil {
		if errors.Is(err, ErrConcurrency) {
			l.conflicts.Add(ctx, 1)
			return nil, err
		}
		return nil, fmt.Errorf("append to %s: %w", streamID, err)
	}
	l.appended.Add(ctx, int64(len(persisted)), metric.WithAttributes(attribute.String("stream", streamPrefix(streamID))))

	for _, ev := range persisted {
		l.notify(ev)
	}
	return persisted, nil
}

func (l *Log) notify(ev Event) {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.observers[ev.StreamID])+len(l.observers[AllStreams]))
	for _, h := range l.observers[ev.StreamID] {
		handlers = append(handlers, h)
	}
	for _, h := range l.observers[AllStreams] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("event observer panicked", "stream", ev.StreamID, "sequence", ev.Sequence, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// ReadStream returns events of streamID with from <= sequence <= to (to <= 0
// reads to the head).
func (l *Log) ReadStream(ctx context.Context, streamID string, from, to int64) ([]Event, error) {
	return l.store.ReadStream(ctx, streamID, from, to)
}

// Catchup runs subscribe, reads streamID from sequence from, and hands the
// result to deliver, all while appends to the stream are held off. An event
// appended concurrently therefore reaches a new subscriber either in the
// catch-up batch or through its observer afterwards, never both. A subscribe
// error is returned without reading; a read error is passed to deliver.
func (l *Log) Catchup(ctx context.Context, streamID string, from int64, subscribe func() error, deliver func([]Event, error)) error {
	unlock := l.locks.lock(streamID)
	defer unlock()

	if err := subscribe(); err != nil {
		return err
	}
	events, err := l.store.ReadStream(ctx, streamID, from, 0)
	deliver(events, err)
	return nil
}

// ReadAggregate rebuilds an aggregate's history. With the default fromVersion
// (<= 0) a stored snapshot replaces the events it covers; an explicit
// fromVersion always reads raw events.
func (l *Log) ReadAggregate(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) (History, error) {
	if fromVersion > 0 {
		events, err := l.store.ReadAggregate(ctx, aggregateID, aggregateType, fromVersion)
		return History{Events: events}, err
	}

	snap, err := l.store.LoadSnapshot(ctx, aggregateID, aggregateType)
	if err != nil {
		return History{}, err
	}
	from := int64(0)
	if snap != nil {
		from = snap.Version + 1
	}
	events, err := l.store.ReadAggregate(ctx, aggregateID, aggregateType, from)
	if err != nil {
		return History{}, err
	}
	return History{Snapshot: snap, Events: events}, nil
}

// CreateSnapshot stores s, replacing any earlier snapshot of the aggregate.
func (l *Log) CreateSnapshot(ctx context.Context, s Snapshot) error {
	if s.AggregateID == "" || s.AggregateType == "" {
		return errors.New("eventlog: snapshot needs aggregate id and type")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = l.now().UTC()
	}
	return l.store.SaveSnapshot(ctx, s)
}

// GetSnapshot returns the aggregate's snapshot, or nil when none exists.
func (l *Log) GetSnapshot(ctx context.Context, aggregateID, aggregateType string) (*Snapshot, error) {
	return l.store.LoadSnapshot(ctx, aggregateID, aggregateType)
}

// streamPrefix keeps metric cardinality bounded: "entry-42" -> "entry".
func streamPrefix(streamID string) string {
	for i := 0; i < len(streamID); i++ {
		if streamID[i] == '-' {
			return streamID[:i]
		}
	}
	return streamID
}

type streamLock struct {
	mu   sync.Mutex
	refs int
}

type streamLocks struct {
	mu sync.Mutex
	m  map[string]*streamLock
}

func (s *streamLocks) lock(streamID string) func() {
	s.mu.Lock()
	sl, ok := s.m[streamID]
	if !ok {
		sl = &streamLock{}
		s.m[streamID] = sl
	}
	sl.refs++
	s.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		s.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(s.m, streamID)
		}
		s.mu.Unlock()
	}
}
