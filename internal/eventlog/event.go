// Package eventlog is the append-only, versioned event store behind
// collaborative entry editing. Events are grouped into streams, each with a
// contiguous sequence that doubles as its optimistic-concurrency version.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AnyVersion disables the optimistic-concurrency check on Append.
const AnyVersion int64 = -1

// ErrConcurrency matches every *ConcurrencyError via errors.Is.
var ErrConcurrency = errors.New("eventlog: concurrency conflict")

// ErrEmptyAppend is returned when Append is called without events.
var ErrEmptyAppend = errors.New("eventlog: no events to append")

// ConcurrencyError reports an expected version that did not match the head of
// the stream.
type ConcurrencyError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("eventlog: stream %s at version %d, expected %d", e.StreamID, e.Actual, e.Expected)
}

// Is makes errors.Is(err, ErrConcurrency) succeed.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}

// Metadata travels with every event.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	TraceID       string    `json:"traceId,omitempty"`
	// ConnectionID identifies the originating connection so fan-out can skip it.
	ConnectionID string `json:"connectionId,omitempty"`
}

// Event is an immutable fact persisted in a stream.
type Event struct {
	ID            string          `json:"id"`
	StreamID      string          `json:"streamId"`
	Sequence      int64           `json:"sequence"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
}

// Pending is an event that has not been assigned a sequence number yet.
type Pending struct {
	Type          string
	AggregateID   string
	AggregateType string
	Payload       json.RawMessage
}

// Snapshot is a materialized aggregate state at Version. There is at most one
// per aggregate; saving a new one replaces the old.
type Snapshot struct {
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Version       int64           `json:"version"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// History is the result of reading an aggregate: an optional snapshot plus the
// events that follow it.
type History struct {
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Events   []Event   `json:"events"`
}

// Version returns the sequence of the last event, or the snapshot version when
// no events follow it.
func (h History) Version() int64 {
	if n := len(h.Events); n > 0 {
		return h.Events[n-1].Sequence
	}
	if h.Snapshot != nil {
		return h.Snapshot.Version
	}
	return 0
}

// checkVersion enforces the optimistic-concurrency precondition. head is the
// current highest sequence (0 for an empty stream).
func checkVersion(streamID string, expected, head int64) error {
	if expected == AnyVersion || expected == head {
		return nil
	}
	return &ConcurrencyError{StreamID: streamID, Expected: expected, Actual: head}
}

func nullableJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
