package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
)

// Connection is one live client session. The transport is owned by the
// connection's read and write pumps; everything else talks to it through the
// Hub by id.
type Connection struct {
	id          string
	hub         *Hub
	conn        *websocket.Conn
	addr        string
	agent       string
	connectedAt time.Time
	lastSeen    atomic.Int64

	send    chan []byte
	ping    chan struct{}
	limiter *rateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	identity   auth.Identity
	authed     bool
	metadata   map[string]string
	backlog    [][]byte
	backlogCap int
	closed     bool
	closeCode  int
	closeText  string

	// channels and rooms are guarded by hub.mu.
	channels map[string]struct{}
	rooms    map[string]struct{}
}

func newConnection(h *Hub, id string, conn *websocket.Conn, addr, agent string) *Connection {
	ctx, cancel := context.WithCancel(h.ctx)
	now := h.now()
	c := &Connection{
		id:          id,
		hub:         h,
		conn:        conn,
		addr:        addr,
		agent:       agent,
		connectedAt: now,
		send:        make(chan []byte, h.cfg.SendBuffer),
		ping:        make(chan struct{}, 1),
		limiter:     newRateLimiter(h.cfg.RateLimit.Burst, h.cfg.RateLimit.RefillInterval),
		ctx:         ctx,
		cancel:      cancel,
		metadata:    make(map[string]string),
		backlogCap:  h.cfg.BacklogSize,
		closeCode:   websocket.CloseNormalClosure,
		channels:    make(map[string]struct{}),
		rooms:       make(map[string]struct{}),
	}
	c.identity.Role = auth.RoleAnonymous
	c.lastSeen.Store(now.UnixNano())
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Identity returns the bound identity; UserID is empty until authenticated.
func (c *Connection) Identity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Role returns the bound role, anonymous until authenticated.
func (c *Connection) Role() auth.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.Role
}

// Authenticated reports whether a credential has been bound.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// SetMetadata stores a free-form value on the connection.
func (c *Connection) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns a copy of the connection metadata.
func (c *Connection) Metadata() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// LastSeen is the time of the last pong, heartbeat or inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(c.hub.now().UnixNano())
}

// enqueue hands frame to the write pump without blocking. When the outbound
// channel is full, or older frames are still backlogged, the frame goes to the
// backlog and enqueue reports false.
func (c *Connection) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if len(c.backlog) == 0 {
		select {
		case c.send <- frame:
			return true
		default:
		}
	}
	c.pushBacklog(frame)
	return false
}

// pushBacklog appends frame, dropping the oldest entry at capacity. c.mu held.
func (c *Connection) pushBacklog(frame []byte) {
	if len(c.backlog) >= c.backlogCap {
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		c.hub.metrics.backlogDropped(c.ctx)
		c.hub.logger.Warn("backlog full, dropped oldest frame", "connection_id", c.id, "capacity", c.backlogCap)
	}
	c.backlog = append(c.backlog, frame)
}

// drainBacklog moves backlogged frames into the outbound channel while it has
// room.
func (c *Connection) drainBacklog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.backlog) > 0 && !c.closed {
		select {
		case c.send <- c.backlog[0]:
			c.backlog[0] = nil
			c.backlog = c.backlog[1:]
		default:
			return
		}
	}
}

func (c *Connection) queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.send) + len(c.backlog)
}

// close stops accepting frames and closes the outbound channel so the write
// pump flushes what is queued and sends a close frame. Safe to call twice.
func (c *Connection) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	for len(c.backlog) > 0 {
		select {
		case c.send <- c.backlog[0]:
			c.backlog = c.backlog[1:]
		default:
			c.backlog = nil
		}
	}
	close(c.send)
	c.cancel()
}

func (c *Connection) closeStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText
}

// requestPing asks the write pump to send a ping control frame.
func (c *Connection) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

func (c *Connection) readDeadline() time.Time {
	return time.Now().Add(c.hub.cfg.LivenessTimeout + c.hub.cfg.PingInterval)
}

// setupReadConnection configures the read limit, read deadline and pong
// handler for the connection.
func (c *Connection) setupReadConnection() {
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
		c.hub.logger.Debug("set initial read deadline", "connection_id", c.id, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
			c.hub.logger.Debug("set read deadline in pong handler", "connection_id", c.id, "error", err)
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching its cause.
func (c *Connection) handleReadError(err error) {
	logger := c.hub.logger.With("connection_id", c.id, "remote_addr", c.addr)

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn("frame exceeded maximum size", "max_bytes", c.hub.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		logger.Debug("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		logger.Debug("connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		logger.Warn("unexpected websocket close", "error", err)
	default:
		logger.Warn("websocket read error", "error", err)
	}
}

func (c *Connection) readPump(dispatch func(*Connection, []byte)) {
	defer func() {
		c.hub.Remove(c.id)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.hub.logger.Debug("close connection in readPump", "connection_id", c.id, "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.touch()
		if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
			c.hub.logger.Debug("refresh read deadline", "connection_id", c.id, "error", err)
		}

		if !c.limiter.allow() {
			c.hub.metrics.rateLimited(c.ctx)
			c.enqueue(errorFrame(CodeRateLimited, fmt.Sprintf("too many frames, retry in %s", c.limiter.retryAfter().Round(time.Millisecond))))
			continue
		}

		dispatch(c, raw)
	}
}

func (c *Connection) writePump() {
	defer c.closeTransport()

	for c.processWriteEvent() {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Connection) processWriteEvent() bool {
	select {
	case frame, ok := <-c.send:
		if !ok {
			c.writeCloseMessage()
			return false
		}
		if !c.writeFrames(frame) {
			return false
		}
		c.drainBacklog()
		return true
	case <-c.ping:
		return c.writePing()
	}
}

func (c *Connection) closeTransport() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.hub.logger.Debug("close connection in writePump", "connection_id", c.id, "error", err)
	}
}

func (c *Connection) writeCloseMessage() {
	code, text := c.closeStatus()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text)); err != nil {
		if !isExpectedCloseError(err) {
			c.hub.logger.Debug("write close message", "connection_id", c.id, "error", err)
		}
	}
}

// writeFrames writes frame and then whatever is already queued, one text
// message per frame.
func (c *Connection) writeFrames(frame []byte) bool {
	if !c.writeTextMessage(frame) {
		return false
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		next, ok := <-c.send
		if !ok {
			c.writeCloseMessage()
			return false
		}
		if !c.writeTextMessage(next) {
			return false
		}
	}
	return true
}

func (c *Connection) writeTextMessage(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
		c.hub.logger.Debug("set write deadline", "connection_id", c.id, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.hub.logger.Debug("write frame", "connection_id", c.id, "error", err)
		}
		return false
	}
	return true
}

func (c *Connection) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
		c.hub.logger.Debug("set write deadline for ping", "connection_id", c.id, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.hub.logger.Debug("write ping", "connection_id", c.id, "error", err)
		return false
	}
	return true
}
