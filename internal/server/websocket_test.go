package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
)

func TestWebSocketHandler_RejectsNonGet(t *testing.T) {
	env := newTestEnv(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequest(method, env.ts.URL+"/ws", http.NoBody)
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected status %d, got %d", method, http.StatusMethodNotAllowed, resp.StatusCode)
		}
	}
}

func TestWebSocket_ConnectionFrame(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL())

	f := readFrame(t, conn)
	if f.Type != TypeConnection {
		t.Fatalf("Expected first frame to be %s, got %s", TypeConnection, f.Type)
	}
	var p connectionPayload
	decode(t, f, &p)
	if p.ConnectionID == "" {
		t.Error("Expected a connection id")
	}
	if p.HeartbeatInterval != (30 * time.Second).Milliseconds() {
		t.Errorf("Unexpected heartbeat interval %d", p.HeartbeatInterval)
	}
	if _, ok := env.srv.Hub().Get(p.ConnectionID); !ok {
		t.Error("Expected the hub to know the connection")
	}
}

func TestWebSocket_EntryEditReachesOtherEditor(t *testing.T) {
	env := newTestEnv(t)
	a := dial(t, env.wsURL())
	b := dial(t, env.wsURL())

	var aInfo connectionPayload
	decode(t, readUntil(t, a, TypeConnection), &aInfo)
	readUntil(t, b, TypeConnection)

	sendFrame(t, a, TypeAuth, map[string]string{"token": issueToken(t, "anna", auth.RoleEditor)})
	readUntil(t, a, TypeAuthSuccess)
	sendFrame(t, b, TypeAuth, map[string]string{"token": issueToken(t, "bela", auth.RoleEditor)})
	readUntil(t, b, TypeAuthSuccess)

	sendFrame(t, a, TypeJoinRoom, map[string]string{"roomId": "entry-42"})
	readUntil(t, a, TypeRoomJoined)
	sendFrame(t, b, TypeJoinRoom, map[string]string{"roomId": "entry-42"})
	readUntil(t, b, TypeRoomJoined)

	sendFrame(t, a, TypeEntryEdit, map[string]any{"entryId": "42", "operation": "update", "data": map[string]string{"hungarian": "alma"}})

	var p entryEventPayload
	decode(t, readUntil(t, b, TypeEntryUpdated), &p)
	if p.Event.StreamID != "entry-42" || p.Event.Sequence != 1 {
		t.Errorf("Unexpected event: %+v", p.Event)
	}
	if p.Event.Metadata.ConnectionID != aInfo.ConnectionID || p.Event.Metadata.UserID != "anna" {
		t.Errorf("Unexpected metadata: %+v", p.Event.Metadata)
	}

	// Frames are handled in order, so an echo would arrive before the ack.
	sendFrame(t, a, TypeHeartbeat, nil)
	readUntil(t, a, TypeHeartbeatAck, TypeEntryUpdated)
}

func TestWebSocket_ErrorsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL())
	readUntil(t, conn, TypeConnection)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var ep ErrorPayload
	decode(t, readUntil(t, conn, TypeError), &ep)
	if ep.Code != CodeInvalidFrame {
		t.Errorf("Expected %s, got %s", CodeInvalidFrame, ep.Code)
	}

	sendFrame(t, conn, TypeChatMessage, map[string]string{"roomId": "r", "message": "hi"})
	decode(t, readUntil(t, conn, TypeError), &ep)
	if ep.Code != CodeAuthRequired {
		t.Errorf("Expected %s, got %s", CodeAuthRequired, ep.Code)
	}

	sendFrame(t, conn, TypeSearch, map[string]string{"query": "pear"})
	var sp searchResultsPayload
	decode(t, readUntil(t, conn, TypeSearchResults), &sp)
	if sp.Count != 1 || sp.Results[0].Hungarian != "körte" {
		t.Errorf("Unexpected search results: %+v", sp)
	}
}

func TestWebSocket_CloseCleansUp(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL())
	readUntil(t, conn, TypeConnection)
	sendFrame(t, conn, TypeAuth, map[string]string{"token": issueToken(t, "u1", auth.RoleUser)})
	readUntil(t, conn, TypeAuthSuccess)
	sendFrame(t, conn, TypeJoinRoom, map[string]string{"roomId": "lobby"})
	readUntil(t, conn, TypeRoomJoined)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	hub := env.srv.Hub()
	waitFor(t, func() bool { return hub.Stats() == (Stats{}) }, "hub to forget the connection")
	if ids := hub.UserConnections("u1"); len(ids) != 0 {
		t.Errorf("Expected no sessions, got %v", ids)
	}
}

func TestWebSocket_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL())
	readUntil(t, conn, TypeConnection)

	burst := env.srv.Hub().Config().RateLimit.Burst
	for i := 0; i < burst+5; i++ {
		sendFrame(t, conn, TypeHeartbeat, nil)
	}
	var ep ErrorPayload
	decode(t, readUntil(t, conn, TypeError), &ep)
	if ep.Code != CodeRateLimited {
		t.Errorf("Expected %s, got %s", CodeRateLimited, ep.Code)
	}
}

func TestWebSocket_ShutdownSendsDisconnect(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL())
	readUntil(t, conn, TypeConnection)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = env.srv.Hub().Shutdown(ctx) }()

	var p disconnectPayload
	decode(t, readUntil(t, conn, TypeDisconnect), &p)
	if !strings.Contains(p.Reason, "shutting down") {
		t.Errorf("Unexpected reason %q", p.Reason)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close, got %v", err)
	}
}

func TestWebSocket_DisallowedOrigin(t *testing.T) {
	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"https://nyelvszo.hu"}
	srv := New(Options{Config: cfg, Logger: quietLogger()})
	ts := newHTTPTestServer(t, srv)

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "https://evil.example")
	conn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected handshake from disallowed origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 from handshake, got %v", resp)
	}
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}
}
