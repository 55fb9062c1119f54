package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
)

var (
	// ErrConnectionNotFound is returned for unknown or already removed ids.
	ErrConnectionNotFound = errors.New("server: connection not found")
	// ErrInvalidRoom is returned for an empty room id.
	ErrInvalidRoom = errors.New("server: room id is required")
	// ErrNotInRoom is returned when leaving or messaging a room the
	// connection has not joined.
	ErrNotInRoom = errors.New("server: not a member of the room")
	// ErrShuttingDown is returned by Register once Shutdown has started.
	ErrShuttingDown = errors.New("server: hub is shutting down")
)

// TargetKind distinguishes topic channels from rooms.
type TargetKind int

const (
	TargetTopic TargetKind = iota
	TargetRoom
)

// Target names one fan-out group.
type Target struct {
	Kind TargetKind
	Name string
}

// Topic targets subscribers of a topic channel.
func Topic(name string) Target { return Target{Kind: TargetTopic, Name: name} }

// Room targets members of a room.
func Room(id string) Target { return Target{Kind: TargetRoom, Name: id} }

func (t Target) String() string {
	if t.Kind == TargetRoom {
		return "room:" + t.Name
	}
	return "topic:" + t.Name
}

// Session is a point-in-time view of one connection.
type Session struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId,omitempty"`
	Name         string    `json:"name,omitempty"`
	Role         auth.Role `json:"role"`
	RemoteAddr   string    `json:"remoteAddr"`
	UserAgent    string    `json:"userAgent,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastSeen     time.Time `json:"lastSeen"`
	Channels     []string  `json:"channels"`
	Rooms        []string  `json:"rooms"`
	Queued       int       `json:"queued"`
}

// HasChannel reports whether the session holds the named subscription.
func (s Session) HasChannel(name string) bool {
	for _, ch := range s.Channels {
		if ch == name {
			return true
		}
	}
	return false
}

// RoomInfo lists the members of one room.
type RoomInfo struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// Stats summarizes hub state.
type Stats struct {
	TotalConnections         int `json:"totalConnections"`
	AuthenticatedUsers       int `json:"authenticatedUsers"`
	AuthenticatedConnections int `json:"authenticatedConnections"`
	ActiveRooms              int `json:"activeRooms"`
	ActiveChannels           int `json:"activeChannels"`
	QueuedMessages           int `json:"queuedMessages"`
}

// Hub owns every live connection together with the channel, room and user
// session indexes. One Hub is created per process and passed to whatever needs
// to look up or mutate membership.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	verifier *auth.Verifier
	metrics  *hubMetrics
	now      func() time.Time

	mu       sync.RWMutex
	conns    map[string]*Connection
	channels map[string]map[string]struct{}
	rooms    map[string]map[string]struct{}
	sessions map[string]map[string]struct{}
	closing  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithHubClock replaces time.Now for liveness bookkeeping.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithMeterProvider records hub instruments on mp instead of the global
// provider.
func WithMeterProvider(mp metric.MeterProvider) HubOption {
	return func(h *Hub) { h.metrics = newHubMetrics(mp) }
}

// NewHub creates a Hub. verifier may be nil, in which case every auth frame
// fails.
func NewHub(cfg Config, verifier *auth.Verifier, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      sanitizeConfig(cfg),
		logger:   logger.With("component", "hub"),
		verifier: verifier,
		metrics:  newHubMetrics(otel.GetMeterProvider()),
		now:      time.Now,
		conns:    make(map[string]*Connection),
		channels: make(map[string]map[string]struct{}),
		rooms:    make(map[string]map[string]struct{}),
		sessions: make(map[string]map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the hub's transport settings.
func (h *Hub) Config() Config { return h.cfg }

// Register stores a new connection for transport. transport may be nil for
// connections driven without pumps.
func (h *Hub) Register(transport *websocket.Conn, addr, agent string) (*Connection, error) {
	c := newConnection(h, uuid.NewString(), transport, addr, agent)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		c.cancel()
		return nil, ErrShuttingDown
	}
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.metrics.connected(c.ctx, 1)
	h.logger.Info("connection registered", "connection_id", c.id, "remote_addr", addr, "total", total)
	return c, nil
}

// Start launches the read and write pumps of a registered connection. Inbound
// frames are handed to dispatch on the read goroutine.
func (h *Hub) Start(c *Connection, dispatch func(*Connection, []byte)) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump(dispatch)
	}()
}

// Get returns the connection with id.
func (h *Hub) Get(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Remove drops the connection from the registry, every channel, every room and
// the user session index, then closes its outbound queue. Remaining room
// members receive user_left. Removing an unknown id is a no-op.
func (h *Hub) Remove(id string) bool {
	return h.remove(id, websocket.CloseNormalClosure, "")
}

func (h *Hub) remove(id string, code int, text string) bool {
	h.mu.Lock()
	c, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, id)

	for name := range c.channels {
		h.leaveIndex(h.channels, name, id)
	}
	peers := make(map[string][]string, len(c.rooms))
	for roomID := range c.rooms {
		if rest := h.leaveIndex(h.rooms, roomID, id); len(rest) > 0 {
			peers[roomID] = rest
		}
	}
	c.channels = make(map[string]struct{})
	c.rooms = make(map[string]struct{})

	ident := c.Identity()
	if ident.UserID != "" {
		h.leaveIndex(h.sessions, ident.UserID, id)
	}
	total := len(h.conns)
	h.mu.Unlock()

	for roomID, members := range peers {
		frame := encodeFrame(TypeUserLeft, presencePayload{
			RoomID:       roomID,
			ConnectionID: id,
			UserID:       ident.UserID,
			Name:         ident.Name,
			Members:      len(members),
		})
		for _, peer := range members {
			h.SendTo(peer, frame)
		}
	}

	c.close(code, text)
	h.metrics.connected(context.Background(), -1)
	h.logger.Info("connection removed", "connection_id", id, "user_id", ident.UserID, "total", total)
	return true
}

// leaveIndex removes id from index[key], deleting the key when it empties, and
// returns the remaining ids. h.mu held.
func (h *Hub) leaveIndex(index map[string]map[string]struct{}, key, id string) []string {
	set, ok := index[key]
	if !ok {
		return nil
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
		return nil
	}
	rest := make([]string, 0, len(set))
	for other := range set {
		rest = append(rest, other)
	}
	return rest
}

func joinIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

// SendTo queues frame for one connection. It returns false when the
// connection is unknown or the frame went to the backlog instead of the
// outbound queue.
func (h *Hub) SendTo(id string, frame []byte) bool {
	c, ok := h.Get(id)
	if !ok {
		return false
	}
	return c.enqueue(frame)
}

// Broadcast sends frame to every connection whose session satisfies match
// (nil matches all), skipping exclude. It returns how many were queued
// directly.
func (h *Hub) Broadcast(match func(Session) bool, frame []byte, exclude ...string) int {
	skip := toSet(exclude)

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for id, c := range h.conns {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if match != nil && !match(h.sessionLocked(c)) {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := h.deliver(targets, frame, "broadcast")
	h.metrics.delivered(h.ctx, "broadcast", sent)
	return sent
}

// SendToUser sends frame to every connection authenticated as userID.
func (h *Hub) SendToUser(userID string, frame []byte) int {
	ids := h.UserConnections(userID)
	sent := 0
	for _, id := range ids {
		if h.SendTo(id, frame) {
			sent++
		}
	}
	h.metrics.delivered(h.ctx, "user", sent)
	return sent
}

// UserConnections returns the ids of the connections authenticated as userID.
func (h *Hub) UserConnections(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.sessions[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds the connection to each named topic its role allows and
// returns the granted names. Disallowed names are dropped silently.
func (h *Hub) Subscribe(id string, names []string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	granted := auth.FilterChannels(c.Role(), names)
	for _, name := range granted {
		c.channels[name] = struct{}{}
		joinIndex(h.channels, name, id)
	}
	return granted, nil
}

// Unsubscribe removes the connection from each named topic and returns the
// names it actually held.
func (h *Hub) Unsubscribe(id string, names []string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	removed := make([]string, 0, len(names))
	for _, name := range names {
		if _, held := c.channels[name]; !held {
			continue
		}
		delete(c.channels, name)
		h.leaveIndex(h.channels, name, id)
		removed = append(removed, name)
	}
	return removed, nil
}

type presencePayload struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	Name         string `json:"name,omitempty"`
	Members      int    `json:"members"`
}

// JoinRoom adds the connection to roomID, creating the room on first join,
// and returns the member count. Other members receive user_joined.
func (h *Hub) JoinRoom(id, roomID string) (int, error) {
	if roomID == "" {
		return 0, ErrInvalidRoom
	}

	h.mu.Lock()
	c, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return 0, ErrConnectionNotFound
	}
	_, already := c.rooms[roomID]
	c.rooms[roomID] = struct{}{}
	joinIndex(h.rooms, roomID, id)
	members := len(h.rooms[roomID])
	peers := h.membersLocked(roomID, id)
	h.mu.Unlock()

	if already {
		return members, nil
	}

	ident := c.Identity()
	frame := encodeFrame(TypeUserJoined, presencePayload{
		RoomID:       roomID,
		ConnectionID: id,
		UserID:       ident.UserID,
		Name:         ident.Name,
		Members:      members,
	})
	for _, peer := range peers {
		h.SendTo(peer, frame)
	}
	h.logger.Debug("room joined", "connection_id", id, "room_id", roomID, "members", members)
	return members, nil
}

// LeaveRoom removes the connection from roomID and returns the remaining
// member count. The room is deleted as soon as it is empty.
func (h *Hub) LeaveRoom(id, roomID string) (int, error) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return 0, ErrConnectionNotFound
	}
	if _, member := c.rooms[roomID]; !member {
		h.mu.Unlock()
		return 0, ErrNotInRoom
	}
	delete(c.rooms, roomID)
	rest := h.leaveIndex(h.rooms, roomID, id)
	h.mu.Unlock()

	ident := c.Identity()
	frame := encodeFrame(TypeUserLeft, presencePayload{
		RoomID:       roomID,
		ConnectionID: id,
		UserID:       ident.UserID,
		Name:         ident.Name,
		Members:      len(rest),
	})
	for _, peer := range rest {
		h.SendTo(peer, frame)
	}
	if len(rest) == 0 {
		h.logger.Debug("room deleted", "room_id", roomID)
	}
	return len(rest), nil
}

// InRoom reports whether the connection has joined roomID.
func (h *Hub) InRoom(id, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][id]
	return ok
}

func (h *Hub) membersLocked(roomID, except string) []string {
	set := h.rooms[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

// FanOut delivers frame to every member of target except exclude and returns
// how many were queued directly.
func (h *Hub) FanOut(target Target, frame []byte, exclude ...string) int {
	return h.FanOutMany([]Target{target}, frame, exclude...)
}

// FanOutMany delivers frame once to every connection in any of targets.
// Topic "t:sub" also reaches subscribers of "t:*". Backlogged sends are
// logged and left to the backlog; nothing is retried here.
func (h *Hub) FanOutMany(targets []Target, frame []byte, exclude ...string) int {
	skip := toSet(exclude)
	seen := make(map[string]struct{})

	h.mu.RLock()
	var conns []*Connection
	collect := func(set map[string]struct{}) {
		for id := range set {
			if _, excluded := skip[id]; excluded {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if c, ok := h.conns[id]; ok {
				conns = append(conns, c)
			}
		}
	}
	for _, t := range targets {
		switch t.Kind {
		case TargetRoom:
			collect(h.rooms[t.Name])
		default:
			collect(h.channels[t.Name])
			if ch := auth.ParseChannel(t.Name); ch.Sub != "" && ch.Sub != "*" {
				collect(h.channels[ch.Topic+":*"])
			}
		}
	}
	h.mu.RUnlock()

	sent := h.deliver(conns, frame, "fanout")
	if len(targets) > 0 {
		h.metrics.delivered(h.ctx, targetKind(targets[0]), sent)
	}
	return sent
}

func targetKind(t Target) string {
	if t.Kind == TargetRoom {
		return "room"
	}
	return "topic"
}

func (h *Hub) deliver(conns []*Connection, frame []byte, op string) int {
	sent, backlogged := 0, 0
	for _, c := range conns {
		if c.enqueue(frame) {
			sent++
		} else {
			backlogged++
		}
	}
	if backlogged > 0 {
		h.logger.Debug("frames backlogged", "op", op, "targets", len(conns), "backlogged", backlogged)
	}
	return sent
}

// sessionLocked builds a Session for c. h.mu held.
func (h *Hub) sessionLocked(c *Connection) Session {
	ident := c.Identity()
	return Session{
		ConnectionID: c.id,
		UserID:       ident.UserID,
		Name:         ident.Name,
		Role:         ident.Role,
		RemoteAddr:   c.addr,
		UserAgent:    c.agent,
		ConnectedAt:  c.connectedAt,
		LastSeen:     c.LastSeen(),
		Channels:     sortedKeys(c.channels),
		Rooms:        sortedKeys(c.rooms),
		Queued:       c.queued(),
	}
}

// Session returns a snapshot of one connection.
func (h *Hub) Session(id string) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	if !ok {
		return Session{}, false
	}
	return h.sessionLocked(c), true
}

// Sessions lists every live connection, oldest first.
func (h *Hub) Sessions() []Session {
	h.mu.RLock()
	out := make([]Session, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, h.sessionLocked(c))
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// Rooms lists every room and its members, ordered by room id.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for id, members := range h.rooms {
		out = append(out, RoomInfo{ID: id, Members: sortedKeys(members)})
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats counts connections, users, rooms and queued frames.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{
		TotalConnections:   len(h.conns),
		AuthenticatedUsers: len(h.sessions),
		ActiveRooms:        len(h.rooms),
		ActiveChannels:     len(h.channels),
	}
	for _, set := range h.sessions {
		st.AuthenticatedConnections += len(set)
	}
	for _, c := range h.conns {
		st.QueuedMessages += c.queued()
	}
	return st
}

type disconnectPayload struct {
	Reason string `json:"reason"`
}

// Disconnect sends a disconnect frame carrying reason and then removes the
// connection.
func (h *Hub) Disconnect(id, reason string) error {
	c, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	c.enqueue(encodeFrame(TypeDisconnect, disconnectPayload{Reason: reason}))
	h.remove(id, websocket.CloseNormalClosure, closeText(reason))
	h.logger.Info("connection disconnected", "connection_id", id, "reason", reason)
	return nil
}

// close frame reason text is limited to 123 bytes and must stay valid UTF-8.
func closeText(reason string) string {
	const limit = 123
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// Sweep terminates connections silent for longer than LivenessTimeout and asks
// the rest to ping. It returns how many were terminated.
func (h *Hub) Sweep(now time.Time) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	terminated := 0
	for _, c := range conns {
		if now.Sub(c.LastSeen()) > h.cfg.LivenessTimeout {
			if h.remove(c.id, websocket.CloseGoingAway, "liveness timeout") {
				terminated++
				h.logger.Info("terminated unresponsive connection", "connection_id", c.id, "last_seen", c.LastSeen())
			}
			continue
		}
		c.requestPing()
	}
	return terminated
}

// Run sweeps every PingInterval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	h.logger.Info("liveness sweep started", "interval", h.cfg.PingInterval, "timeout", h.cfg.LivenessTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweepSafely()
		}
	}
}

func (h *Hub) sweepSafely() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("liveness sweep panicked", "panic", r)
		}
	}()
	h.Sweep(h.now())
}

// Shutdown disconnects every connection, refuses new ones, and waits for the
// pumps to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("initiating hub shutdown")

	h.mu.Lock()
	h.closing = true
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	frame := encodeFrame(TypeDisconnect, disconnectPayload{Reason: "server shutting down"})
	for _, id := range ids {
		h.SendTo(id, frame)
		h.remove(id, websocket.CloseGoingAway, "server shutting down")
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed", "closed", len(ids))
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timed out, some connections may still be closing")
		return ctx.Err()
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
