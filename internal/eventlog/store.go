package eventlog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Store is the persistence contract behind Log. Append must assign contiguous
// sequence numbers starting after the current head, verify expected against
// that head, and persist all events atomically.
type Store interface {
	Append(ctx context.Context, streamID string, expected int64, events []Event) ([]Event, error)
	// ReadStream returns events with from <= sequence <= to; to <= 0 means no
	// upper bound.
	ReadStream(ctx context.Context, streamID string, from, to int64) ([]Event, error)
	// ReadAggregate returns the aggregate's events with sequence >= from.
	ReadAggregate(ctx context.Context, aggregateID, aggregateType string, from int64) ([]Event, error)
	SaveSnapshot(ctx context.Context, s Snapshot) error
	// LoadSnapshot returns nil, nil when the aggregate has no snapshot.
	LoadSnapshot(ctx context.Context, aggregateID, aggregateType string) (*Snapshot, error)
	Close() error
}

type aggregateKey struct {
	id, typ string
}

// MemoryStore keeps streams in process memory. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]Event
	snapshots map[aggregateKey]Snapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]Event),
		snapshots: make(map[aggregateKey]Snapshot),
	}
}

func (m *MemoryStore) Append(_ context.Context, streamID string, expected int64, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrEmptyAppend
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[streamID]
	head := int64(len(stream))
	if err := checkVersion(streamID, expected, head); err != nil {
		return nil, err
	}

	out := make([]Event, len(events))
	for i, ev := range events {
		ev.StreamID = streamID
		ev.Sequence = head + int64(i) + 1
		ev.Payload = nullableJSON(ev.Payload)
		out[i] = ev
	}
	m.streams[streamID] = append(stream, out...)
	return cloneEvents(out), nil
}

func (m *MemoryStore) ReadStream(_ context.Context, streamID string, from, to int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, ev := range m.streams[streamID] {
		if ev.Sequence < from || (to > 0 && ev.Sequence > to) {
			continue
		}
		out = append(out, ev)
	}
	return cloneEvents(out), nil
}

func (m *MemoryStore) ReadAggregate(_ context.Context, aggregateID, aggregateType string, from int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, stream := range m.streams {
		for _, ev := range stream {
			if ev.AggregateID == aggregateID && ev.AggregateType == aggregateType && ev.Sequence >= from {
				out = append(out, ev)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].StreamID < out[j].StreamID
	})
	return cloneEvents(out), nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.State = append([]byte(nil), nullableJSON(s.State)...)
	m.snapshots[aggregateKey{s.AggregateID, s.AggregateType}] = s
	return nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, aggregateID, aggregateType string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[aggregateKey{aggregateID, aggregateType}]
	if !ok {
		return nil, nil
	}
	s.State = append([]byte(nil), s.State...)
	return &s, nil
}

func (m *MemoryStore) Close() error { return nil }

// cloneEvents copies payload bytes so callers cannot mutate stored events.
func cloneEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		ev.Payload = append(json.RawMessage(nil), ev.Payload...)
		out[i] = ev
	}
	return out
}
