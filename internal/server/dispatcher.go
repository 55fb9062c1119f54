package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/eventlog"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/search"
)

const (
	maxChatLength = 4000
	searchTimeout = 5 * time.Second
	editTimeout   = 10 * time.Second
)

var operationPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

type command struct {
	// needsAuth rejects unauthenticated connections with AUTH_REQUIRED.
	needsAuth bool
	// minRole rejects lower tiers with FORBIDDEN.
	minRole auth.Role
	handle  func(ctx context.Context, c *Connection, payload json.RawMessage)
}

// Dispatcher parses inbound frames and routes them to command handlers.
type Dispatcher struct {
	hub      *Hub
	events   *eventlog.Log
	searcher search.Searcher
	logger   *slog.Logger
	tracer   trace.Tracer
	commands map[string]command
}

// NewDispatcher wires the command set. events and searcher may be nil; the
// corresponding commands then reply with an error frame.
func NewDispatcher(hub *Hub, events *eventlog.Log, searcher search.Searcher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		hub:      hub,
		events:   events,
		searcher: searcher,
		logger:   logger.With("component", "dispatcher"),
		tracer:   otel.Tracer(instrumentationName),
	}
	d.commands = map[string]command{
		TypeAuth:        {handle: d.handleAuth},
		TypeSubscribe:   {handle: d.handleSubscribe},
		TypeUnsubscribe: {handle: d.handleUnsubscribe},
		TypeJoinRoom:    {handle: d.handleJoinRoom},
		TypeLeaveRoom:   {handle: d.handleLeaveRoom},
		TypeSearch:      {handle: d.handleSearch},
		TypeTyping:      {needsAuth: true, minRole: auth.RoleUser, handle: d.handleTyping},
		TypeChatMessage: {needsAuth: true, minRole: auth.RoleUser, handle: d.handleChatMessage},
		TypeEntryEdit:   {needsAuth: true, minRole: auth.RoleEditor, handle: d.handleEntryEdit},
		TypeHeartbeat:   {handle: d.handleHeartbeat},
	}
	return d
}

// Dispatch handles one raw inbound frame. Protocol and authorization errors
// are answered with an error frame; the connection stays open.
func (d *Dispatcher) Dispatch(c *Connection, raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		c.enqueue(errorFrame(CodeInvalidFrame, err.Error()))
		return
	}
	cmd, ok := d.commands[f.Type]
	if !ok {
		d.hub.metrics.frame(c.ctx, frameTypeUnknown)
		c.enqueue(errorFrame(CodeUnknownType, fmt.Sprintf("unknown frame type %q", f.Type)))
		return
	}
	d.hub.metrics.frame(c.ctx, f.Type)
	if cmd.needsAuth && !c.Authenticated() {
		c.enqueue(errorFrame(CodeAuthRequired, f.Type+" requires authentication"))
		return
	}
	if role := c.Role(); !role.AtLeast(cmd.minRole) {
		c.enqueue(errorFrame(CodeForbidden, fmt.Sprintf("%s requires role %s", f.Type, cmd.minRole)))
		return
	}

	ctx, span := d.tracer.Start(c.ctx, "ws."+f.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("connection.id", c.id)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			d.logger.Error("frame handler panicked", "type", f.Type, "connection_id", c.id, "panic", r)
			c.enqueue(errorFrame(CodeInvalidPayload, "internal error"))
		}
	}()
	cmd.handle(ctx, c, f.Payload)
}

// decodePayload unmarshals payload into v; a missing payload decodes as {}.
func decodePayload(payload json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	return json.Unmarshal(trimmed, v)
}

func invalidPayload(c *Connection, frameType string, err error) {
	c.enqueue(errorFrame(CodeInvalidPayload, fmt.Sprintf("invalid %s payload: %v", frameType, err)))
}

func (d *Dispatcher) handleAuth(_ context.Context, c *Connection, payload json.RawMessage) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeAuth, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		invalidPayload(c, TypeAuth, errors.New("token is required"))
		return
	}

	result, err := d.hub.Authenticate(c.id, strings.TrimSpace(req.Token))
	var authErr *AuthError
	switch {
	case err == nil:
		c.enqueue(encodeFrame(TypeAuthSuccess, result))
	case errors.Is(err, ErrAlreadyAuthenticated):
		c.enqueue(errorFrame(CodeAlreadyAuthenticated, "connection is already authenticated; reconnect to change identity"))
	case errors.As(err, &authErr):
		c.enqueue(encodeFrame(TypeAuthFailed, ErrorPayload{Code: CodeAuthFailed, Message: authErr.Err.Error()}))
	default:
		c.enqueue(encodeFrame(TypeAuthFailed, ErrorPayload{Code: CodeAuthFailed, Message: err.Error()}))
	}
}

type channelsPayload struct {
	Channels []string `json:"channels"`
}

func (d *Dispatcher) handleSubscribe(_ context.Context, c *Connection, payload json.RawMessage) {
	var req channelsPayload
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeSubscribe, err)
		return
	}
	granted, err := d.hub.Subscribe(c.id, req.Channels)
	if err != nil {
		return
	}
	c.enqueue(encodeFrame(TypeSubscribed, channelsPayload{Channels: nonNil(granted)}))
}

func (d *Dispatcher) handleUnsubscribe(_ context.Context, c *Connection, payload json.RawMessage) {
	var req channelsPayload
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeUnsubscribe, err)
		return
	}
	removed, err := d.hub.Unsubscribe(c.id, req.Channels)
	if err != nil {
		return
	}
	c.enqueue(encodeFrame(TypeUnsubscribed, channelsPayload{Channels: nonNil(removed)}))
}

type roomPayload struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
	// Replayed counts entry events sent after a join with since.
	Replayed int `json:"replayed,omitempty"`
}

type entryEventPayload struct {
	Event  eventlog.Event `json:"event"`
	Replay bool           `json:"replay,omitempty"`
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, c *Connection, payload json.RawMessage) {
	var req struct {
		RoomID string `json:"roomId"`
		Since  int64  `json:"since"`
	}
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeJoinRoom, err)
		return
	}
	roomID := strings.TrimSpace(req.RoomID)
	if req.Since <= 0 || d.events == nil || !isEntryStream(roomID) {
		members, err := d.hub.JoinRoom(c.id, roomID)
		if err != nil {
			d.joinFailed(c, err)
			return
		}
		c.enqueue(encodeFrame(TypeRoomJoined, roomPayload{RoomID: roomID, Members: members}))
		return
	}

	// Catch-up for entry rooms: events at or after since, in sequence order,
	// queued before any live entry_updated for the room.
	var members int
	join := func() (err error) {
		members, err = d.hub.JoinRoom(c.id, roomID)
		return err
	}
	deliver := func(replay []eventlog.Event, err error) {
		if err != nil {
			d.logger.Warn("replay read failed", "room_id", roomID, "since", req.Since, "error", err)
			replay = nil
		}
		c.enqueue(encodeFrame(TypeRoomJoined, roomPayload{RoomID: roomID, Members: members, Replayed: len(replay)}))
		for _, ev := range replay {
			c.enqueue(encodeFrame(TypeEntryUpdated, entryEventPayload{Event: ev, Replay: true}))
		}
	}
	if err := d.events.Catchup(ctx, roomID, req.Since, join, deliver); err != nil {
		d.joinFailed(c, err)
	}
}

func (d *Dispatcher) joinFailed(c *Connection, err error) {
	if errors.Is(err, ErrInvalidRoom) {
		invalidPayload(c, TypeJoinRoom, err)
	}
}

func (d *Dispatcher) handleLeaveRoom(_ context.Context, c *Connection, payload json.RawMessage) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeLeaveRoom, err)
		return
	}
	roomID := strings.TrimSpace(req.RoomID)
	members, err := d.hub.LeaveRoom(c.id, roomID)
	if err != nil {
		if errors.Is(err, ErrNotInRoom) {
			c.enqueue(errorFrame(CodeNotInRoom, fmt.Sprintf("not a member of room %q", roomID)))
		}
		return
	}
	c.enqueue(encodeFrame(TypeRoomLeft, roomPayload{RoomID: roomID, Members: members}))
}

type searchResultsPayload struct {
	RequestID string          `json:"requestId,omitempty"`
	Query     string          `json:"query"`
	Results   []search.Result `json:"results"`
	Count     int             `json:"count"`
}

func (d *Dispatcher) handleSearch(ctx context.Context, c *Connection, payload json.RawMessage) {
	var req struct {
		Query     string         `json:"query"`
		Options   search.Options `json:"options"`
		RequestID string         `json:"requestId"`
	}
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeSearch, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		invalidPayload(c, TypeSearch, errors.New("query is required"))
		return
	}
	if d.searcher == nil {
		c.enqueue(errorFrame(CodeSearchFailed, "search is not available"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()
	results, err := d.searcher.Search(ctx, req.Query, req.Options)
	if err != nil {
		d.logger.Warn("search failed", "connection_id", c.id, "error", err)
		c.enqueue(errorFrame(CodeSearchFailed, "search failed"))
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	c.enqueue(encodeFrame(TypeSearchResults, searchResultsPayload{
		RequestID: req.RequestID,
		Query:     req.Query,
		Results:   results,
		Count:     len(results),
	}))
}

type typingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

func (d *Dispatcher) handleTyping(_ context.Context, c *Connection, payload json.RawMessage) {
	var req struct {
		RoomID   string `json:"roomId"`
		IsTyping *bool  `json:"isTyping"`
	}
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeTyping, err)
		return
	}
	if !d.requireRoom(c, req.RoomID) {
		return
	}
	typing := req.IsTyping == nil || *req.IsTyping
	ident := c.Identity()
	d.hub.FanOut(Room(req.RoomID), encodeFrame(TypeUserTyping, typingPayload{
		RoomID:   req.RoomID,
		UserID:   ident.UserID,
		Name:     ident.Name,
		IsTyping: typing,
	}), c.id)
}

type chatPayload struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *Dispatcher) handleChatMessage(_ context.Context, c *Connection, payload json.RawMessage) {
	var req struct {
		RoomID  string `json:"roomId"`
		Message string `json:"message"`
	}
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeChatMessage, err)
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		invalidPayload(c, TypeChatMessage, errors.New("message is required"))
		return
	}
	if utf8.RuneCountInString(msg) > maxChatLength {
		invalidPayload(c, TypeChatMessage, fmt.Errorf("message longer than %d characters", maxChatLength))
		return
	}
	if !d.requireRoom(c, req.RoomID) {
		return
	}
	ident := c.Identity()
	d.hub.FanOut(Room(req.RoomID), encodeFrame(TypeChatMessage, chatPayload{
		ID:        uuid.NewString(),
		RoomID:    req.RoomID,
		UserID:    ident.UserID,
		Name:      ident.Name,
		Message:   msg,
		Timestamp: d.hub.now().UTC(),
	}), c.id)
}

func (d *Dispatcher) requireRoom(c *Connection, roomID string) bool {
	if strings.TrimSpace(roomID) == "" {
		c.enqueue(errorFrame(CodeInvalidPayload, "roomId is required"))
		return false
	}
	if !d.hub.InRoom(c.id, roomID) {
		c.enqueue(errorFrame(CodeNotInRoom, fmt.Sprintf("not a member of room %q", roomID)))
		return false
	}
	return true
}

type entryEdit struct {
	EntryID   string          `json:"entryId"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// handleEntryEdit appends to entry-{id} without a version check, so
// simultaneous edits are all accepted in arrival order. Fan-out happens in the
// event log observer installed by AttachEventLog.
func (d *Dispatcher) handleEntryEdit(ctx context.Context, c *Connection, payload json.RawMessage) {
	var req struct {
		entryEdit
		RequestID string `json:"requestId"`
	}
	if err := decodePayload(payload, &req); err != nil {
		invalidPayload(c, TypeEntryEdit, err)
		return
	}
	req.EntryID = strings.TrimSpace(req.EntryID)
	if req.EntryID == "" || strings.ContainsAny(req.EntryID, " \t\r\n") {
		invalidPayload(c, TypeEntryEdit, errors.New("entryId is required"))
		return
	}
	if !operationPattern.MatchString(req.Operation) {
		invalidPayload(c, TypeEntryEdit, fmt.Errorf("operation %q is not a valid name", req.Operation))
		return
	}
	if d.events == nil {
		c.enqueue(errorFrame(CodeEditFailed, "event log is not available"))
		return
	}

	body, err := json.Marshal(req.entryEdit)
	if err != nil {
		invalidPayload(c, TypeEntryEdit, err)
		return
	}
	correlationID := req.RequestID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, editTimeout)
	defer cancel()
	persisted, err := d.events.Append(ctx, EntryStream(req.EntryID), []eventlog.Pending{{
		Type:          "entry." + req.Operation,
		AggregateID:   req.EntryID,
		AggregateType: "entry",
		Payload:       body,
	}}, eventlog.AppendOptions{
		ExpectedVersion: eventlog.AnyVersion,
		Metadata: eventlog.Metadata{
			CorrelationID: correlationID,
			UserID:        c.Identity().UserID,
			ConnectionID:  c.id,
		},
	})
	if err != nil {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
		d.logger.Error("entry edit append failed", "entry_id", req.EntryID, "connection_id", c.id, "error", err)
		c.enqueue(errorFrame(CodeEditFailed, "could not record the edit"))
		return
	}
	if len(persisted) > 0 {
		d.logger.Debug("entry edit recorded", "entry_id", req.EntryID, "sequence", persisted[0].Sequence)
	}
}

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (d *Dispatcher) handleHeartbeat(_ context.Context, c *Connection, _ json.RawMessage) {
	c.touch()
	c.enqueue(encodeFrame(TypeHeartbeatAck, heartbeatPayload{Timestamp: d.hub.now().UTC()}))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
