package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/notify"
)

func adminRequest(t *testing.T, env *testEnv, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAdmin_RequiresAdminToken(t *testing.T) {
	env := newTestEnv(t)

	if rec := adminRequest(t, env, http.MethodGet, "/admin/stats", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}
	if rec := adminRequest(t, env, http.MethodGet, "/admin/stats", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid token, got %d", rec.Code)
	}
	editor := issueToken(t, "ed", auth.RoleEditor)
	if rec := adminRequest(t, env, http.MethodGet, "/admin/stats", editor, nil); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for editor, got %d", rec.Code)
	}
}

func TestAdmin_StatsSessionsRooms(t *testing.T) {
	env := newTestEnv(t)
	hub := env.srv.Hub()
	c := register(t, hub)
	authenticate(t, hub, c, "u1", auth.RoleUser)
	_, _ = hub.JoinRoom(c.ID(), "lobby")
	admin := issueToken(t, "root", auth.RoleAdmin)

	rec := adminRequest(t, env, http.MethodGet, "/admin/stats", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var st statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("Invalid stats body: %v", err)
	}
	if st.TotalConnections != 1 || st.AuthenticatedUsers != 1 || st.ActiveRooms != 1 {
		t.Errorf("Unexpected stats: %+v", st.Stats)
	}
	if st.Notifications == nil {
		t.Error("Expected notification stats")
	}

	rec = adminRequest(t, env, http.MethodGet, "/admin/sessions", admin, nil)
	var sessions []Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("Invalid sessions body: %v", err)
	}
	if len(sessions) != 1 || sessions[0].UserID != "u1" || len(sessions[0].Rooms) != 1 {
		t.Errorf("Unexpected sessions: %+v", sessions)
	}

	rec = adminRequest(t, env, http.MethodGet, "/admin/rooms", admin, nil)
	var rooms []RoomInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("Invalid rooms body: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "lobby" {
		t.Errorf("Unexpected rooms: %+v", rooms)
	}
}

func TestAdmin_Disconnect(t *testing.T) {
	env := newTestEnv(t)
	hub := env.srv.Hub()
	c := register(t, hub)
	admin := issueToken(t, "root", auth.RoleAdmin)

	rec := adminRequest(t, env, http.MethodPost, "/admin/sessions/missing/disconnect", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}

	rec = adminRequest(t, env, http.MethodPost, "/admin/sessions/"+c.ID()+"/disconnect", admin, disconnectRequest{Reason: "spam"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body)
	}
	frames := ofType(drain(t, c), TypeDisconnect)
	if len(frames) != 1 {
		t.Fatalf("Expected disconnect frame, got %d", len(frames))
	}
	var p disconnectPayload
	decode(t, frames[0], &p)
	if p.Reason != "spam" {
		t.Errorf("Expected reason spam, got %q", p.Reason)
	}
}

func TestAdmin_BroadcastFilters(t *testing.T) {
	env := newTestEnv(t)
	hub := env.srv.Hub()
	anon := register(t, hub)
	editor := register(t, hub)
	authenticate(t, hub, editor, "ed", auth.RoleEditor)
	_, _ = hub.Subscribe(editor.ID(), []string{"editor"})
	drain(t, anon)
	drain(t, editor)
	admin := issueToken(t, "root", auth.RoleAdmin)

	rec := adminRequest(t, env, http.MethodPost, "/admin/broadcast", admin, broadcastRequest{
		Type:    "maintenance",
		Payload: json.RawMessage(`{"at":"22:00"}`),
		Role:    "editor",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var br broadcastResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &br)
	if br.Delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", br.Delivered)
	}
	if got := ofType(drain(t, editor), "maintenance"); len(got) != 1 || string(got[0].Payload) != `{"at":"22:00"}` {
		t.Errorf("Unexpected editor frames: %+v", got)
	}
	if got := drain(t, anon); len(got) != 0 {
		t.Errorf("Expected anonymous connection to be filtered out, got %d", len(got))
	}

	rec = adminRequest(t, env, http.MethodPost, "/admin/broadcast", admin, broadcastRequest{Type: "ping", Channel: "editor"})
	_ = json.Unmarshal(rec.Body.Bytes(), &br)
	if br.Delivered != 1 {
		t.Errorf("Expected channel filter to match 1, got %d", br.Delivered)
	}

	if rec := adminRequest(t, env, http.MethodPost, "/admin/broadcast", admin, broadcastRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing type, got %d", rec.Code)
	}
	if rec := adminRequest(t, env, http.MethodPost, "/admin/broadcast", admin, broadcastRequest{Type: "x", Role: "wizard"}); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown role, got %d", rec.Code)
	}
}

func TestAdmin_NotifyDeliversLive(t *testing.T) {
	env := newTestEnv(t)
	hub := env.srv.Hub()
	c := register(t, hub)
	authenticate(t, hub, c, "u1", auth.RoleUser)
	drain(t, c)
	admin := issueToken(t, "root", auth.RoleAdmin)

	rec := adminRequest(t, env, http.MethodPost, "/admin/notify", admin, notifyRequest{
		UserID:   "u1",
		Template: "welcome",
		Data:     map[string]any{"name": "Anna"},
		Priority: "high",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var nr notifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &nr); err != nil || !nr.Queued {
		t.Fatalf("Unexpected notify response %s (%v)", rec.Body, err)
	}

	if n := env.notify.ProcessDue(context.Background()); n != 1 {
		t.Fatalf("Expected 1 processed task, got %d", n)
	}
	frames := ofType(drain(t, c), TypeNotification)
	if len(frames) != 1 {
		t.Fatalf("Expected 1 notification frame, got %d", len(frames))
	}
	var msg notify.Message
	decode(t, frames[0], &msg)
	if msg.Body != "Hello Anna, your account is ready." {
		t.Errorf("Unexpected body %q", msg.Body)
	}

	rec = adminRequest(t, env, http.MethodGet, "/admin/notifications/"+nr.NotificationID, admin, nil)
	var tasks []notify.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("Invalid tasks body: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != notify.StatusDelivered || tasks[0].Priority != notify.PriorityHigh {
		t.Errorf("Unexpected tasks: %+v", tasks)
	}

	if rec := adminRequest(t, env, http.MethodPost, "/admin/notify", admin, notifyRequest{UserID: "u1", Template: "nope"}); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown template, got %d", rec.Code)
	}
}

func TestAdmin_FailedDeliveryAlertsAdmins(t *testing.T) {
	env := newTestEnv(t)
	hub := env.srv.Hub()
	watcher := register(t, hub)
	authenticate(t, hub, watcher, "root", auth.RoleAdmin)
	if _, err := hub.Subscribe(watcher.ID(), []string{TopicAdminAlerts}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	drain(t, watcher)

	if _, err := env.notify.Send(context.Background(), notify.Request{
		Recipients: []string{"offline-user"},
		Template:   "generic",
		Data:       map[string]any{"subject": "s", "message": "m"},
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	env.notify.ProcessDue(context.Background())

	frames := ofType(drain(t, watcher), TypeNotification)
	if len(frames) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(frames))
	}
	var msg notify.Message
	decode(t, frames[0], &msg)
	if msg.Template != "delivery_alert" || msg.Data["recipient"] != "offline-user" {
		t.Errorf("Unexpected alert: %+v", msg)
	}
}

func TestAdmin_Preferences(t *testing.T) {
	env := newTestEnv(t)
	admin := issueToken(t, "root", auth.RoleAdmin)

	rec := adminRequest(t, env, http.MethodPut, "/admin/users/u1/preferences", admin, preferencesBody{
		Channels: map[string]bool{notify.ChannelSMS: true, notify.ChannelEmail: false},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if !env.prefs.Enabled("u1", notify.ChannelSMS) || env.prefs.Enabled("u1", notify.ChannelEmail) {
		t.Error("Expected preferences to be stored")
	}

	rec = adminRequest(t, env, http.MethodGet, "/admin/users/u1/preferences", admin, nil)
	var body preferencesBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid body: %v", err)
	}
	if !body.Channels[notify.ChannelLive] || !body.Channels[notify.ChannelSMS] {
		t.Errorf("Unexpected preferences: %+v", body.Channels)
	}
}
