package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type connectionPayload struct {
	ConnectionID      string    `json:"connectionId"`
	ServerTime        time.Time `json:"serverTime"`
	HeartbeatInterval int64     `json:"heartbeatInterval"`
	Features          []string  `json:"features"`
}

var connectionFeatures = []string{"auth", "channels", "rooms", "search", "typing", "chat", "entry_edit", "replay", "notifications"}

// WebSocketHandler upgrades GET requests on the WebSocket endpoint, registers
// the connection with the hub and greets the client with a connection frame
// before its pumps start.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c, err := s.hub.Register(conn, r.RemoteAddr, r.UserAgent())
	if err != nil {
		s.logger.Info("rejected connection", "remote_addr", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}

	c.enqueue(encodeFrame(TypeConnection, connectionPayload{
		ConnectionID:      c.ID(),
		ServerTime:        s.hub.now().UTC(),
		HeartbeatInterval: s.cfg.PingInterval.Milliseconds(),
		Features:          connectionFeatures,
	}))
	s.hub.Start(c, s.dispatcher.Dispatch)
}

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

// HealthHandler reports liveness and the current connection count.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.hub.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Service:     "nyelvszo-realtime",
		Connections: st.TotalConnections,
		Rooms:       st.ActiveRooms,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
