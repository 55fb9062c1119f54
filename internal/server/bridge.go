package server

import (
	"strings"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/eventlog"
)

const (
	entryStreamPrefix = "entry-"

	// TopicEntries receives every entry_updated frame.
	TopicEntries = "entries"
	// TopicEvents receives every appended event as domain_event.
	TopicEvents = "events"
	// TopicAdminAlerts receives delivery failure alerts.
	TopicAdminAlerts = "admin:alerts"
)

// EntryStream is the stream (and room) id of a dictionary entry.
func EntryStream(entryID string) string { return entryStreamPrefix + entryID }

func isEntryStream(streamID string) bool {
	return strings.HasPrefix(streamID, entryStreamPrefix) && len(streamID) > len(entryStreamPrefix)
}

// AttachEventLog fans appended events out to connections: entry streams go to
// the entry's room and the entries topic as entry_updated, skipping the
// connection that made the edit, and every event goes to the events topic as
// domain_event. The log calls observers in sequence order per stream. The
// returned function detaches the observer.
func (h *Hub) AttachEventLog(l *eventlog.Log) func() {
	return l.OnAppended(eventlog.AllStreams, func(ev eventlog.Event) {
		if isEntryStream(ev.StreamID) {
			frame := encodeFrame(TypeEntryUpdated, entryEventPayload{Event: ev})
			h.FanOutMany([]Target{Room(ev.StreamID), Topic(TopicEntries)}, frame, ev.Metadata.ConnectionID)
		}
		h.FanOut(Topic(TopicEvents), encodeFrame(TypeDomainEvent, entryEventPayload{Event: ev}))
	})
}
