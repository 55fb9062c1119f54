package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/eventlog"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/notify"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/search"
)

var testSecret = []byte("test-secret-with-enough-bytes-32!")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier(testSecret, "")
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	return v
}

func issueToken(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	iss, err := auth.NewIssuer(testSecret, "", time.Hour)
	if err != nil {
		t.Fatalf("Failed to create issuer: %v", err)
	}
	token, err := iss.Issue(userID, role)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

func newTestHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	cfg := NewConfig()
	return NewHub(cfg, newVerifier(t), quietLogger(), opts...)
}

// register adds a connection without a transport; tests read its outbound
// queue directly.
func register(t *testing.T, h *Hub) *Connection {
	t.Helper()
	c, err := h.Register(nil, "127.0.0.1:4000", "test-agent")
	if err != nil {
		t.Fatalf("Failed to register connection: %v", err)
	}
	return c
}

// drain returns every frame queued for c, backlog included.
func drain(t *testing.T, c *Connection) []Frame {
	t.Helper()
	var out []Frame
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("Queued frame is not JSON: %v (%s)", err, raw)
			}
			out = append(out, f)
			c.drainBacklog()
		default:
			return out
		}
	}
}

func ofType(frames []Frame, frameType string) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func decode(t *testing.T, f Frame, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Payload, v); err != nil {
		t.Fatalf("Failed to decode %s payload: %v (%s)", f.Type, err, f.Payload)
	}
}

func rawFrame(t *testing.T, frameType string, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": frameType, "payload": payload})
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	return b
}

func authenticate(t *testing.T, h *Hub, c *Connection, userID string, role auth.Role) {
	t.Helper()
	if _, err := h.Authenticate(c.ID(), issueToken(t, userID, role)); err != nil {
		t.Fatalf("Failed to authenticate %s: %v", userID, err)
	}
}

type testEnv struct {
	srv    *Server
	events *eventlog.Log
	notify *notify.Service
	prefs  *notify.MemoryPreferences
	ts     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	events := eventlog.NewLog(eventlog.NewMemoryStore(), quietLogger())
	prefs := notify.NewMemoryPreferences()
	svc := notify.NewService(notify.DefaultConfig(), notify.NewTemplates(), prefs, quietLogger())
	srv := New(Options{
		Config:      NewConfig(),
		Verifier:    newVerifier(t),
		Events:      events,
		Notify:      svc,
		Preferences: prefs,
		Searcher: search.NewMemorySearcher(
			search.Result{ID: "1", Hungarian: "alma", English: "apple", Field: "food"},
			search.Result{ID: "2", Hungarian: "körte", English: "pear", Field: "food"},
		),
		Logger: quietLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, events: events, notify: svc, prefs: prefs, ts: ts}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")
	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, rawFrame(t, frameType, payload)); err != nil {
		t.Fatalf("Failed to send %s: %v", frameType, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("Received frame is not JSON: %v (%s)", err, raw)
	}
	return f
}

// readUntil skips frames until one of frameType arrives. Frames of any type in
// forbidden fail the test.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string, forbidden ...string) Frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if f.Type == frameType {
			return f
		}
		for _, bad := range forbidden {
			if f.Type == bad {
				t.Fatalf("Received unexpected %s frame before %s: %s", bad, frameType, f.Payload)
			}
		}
	}
	t.Fatalf("Did not receive %s frame", frameType)
	return Frame{}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newHTTPTestServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts
}
