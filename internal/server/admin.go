package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
	"github.com/aporkolab/Nyelvszo-v.2.0/internal/notify"
)

const maxAdminBody = 1 << 20

// requireAdmin accepts only bearer tokens carrying the admin role.
func (s *Server) requireAdmin(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "management API is disabled")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		ident, err := s.verifier.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !ident.Role.AtLeast(auth.RoleAdmin) {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		s.logger.Debug("admin request", "method", r.Method, "path", r.URL.Path, "user_id", ident.UserID)
		next(w, r, ps)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type statsResponse struct {
	Stats
	Notifications *notify.Stats `json:"notifications,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	resp := statsResponse{Stats: s.hub.Stats()}
	if s.notify != nil {
		ns := s.notify.Stats()
		resp.Notifications = &ns
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.hub.Sessions())
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.hub.Rooms())
}

type disconnectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req disconnectRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "disconnected by administrator"
	}
	if err := s.hub.Disconnect(ps.ByName("id"), req.Reason); err != nil {
		if errors.Is(err, ErrConnectionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// broadcastRequest sends one frame to every session matching all filters.
type broadcastRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Role    string          `json:"role,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

type broadcastResponse struct {
	Delivered int `json:"delivered"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req broadcastRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	var minRole auth.Role
	if req.Role != "" {
		minRole = auth.ParseRole(req.Role)
		if minRole == auth.RoleAnonymous && !strings.EqualFold(req.Role, "anonymous") {
			writeError(w, http.StatusBadRequest, "unknown role "+req.Role)
			return
		}
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	frame := encodeFrame(req.Type, payload)
	n := s.hub.Broadcast(func(sess Session) bool {
		if !sess.Role.AtLeast(minRole) {
			return false
		}
		if req.UserID != "" && sess.UserID != req.UserID {
			return false
		}
		if req.Channel != "" && !sess.HasChannel(req.Channel) {
			return false
		}
		return true
	}, frame)
	s.logger.Info("admin broadcast", "type", req.Type, "delivered", n)
	writeJSON(w, http.StatusOK, broadcastResponse{Delivered: n})
}

type notifyRequest struct {
	UserID            string         `json:"userId,omitempty"`
	Recipients        []string       `json:"recipients,omitempty"`
	Template          string         `json:"template"`
	Data              map[string]any `json:"data,omitempty"`
	Channels          []string       `json:"channels,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	DeliveryGuarantee bool           `json:"deliveryGuarantee"`
}

type notifyResponse struct {
	NotificationID string `json:"notificationId"`
	Queued         bool   `json:"queued"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are disabled")
		return
	}
	var req notifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	recipients := req.Recipients
	if req.UserID != "" {
		recipients = append([]string{req.UserID}, recipients...)
	}
	id, err := s.notify.Send(r.Context(), notify.Request{
		Recipients:        recipients,
		Template:          req.Template,
		Data:              req.Data,
		Channels:          req.Channels,
		Priority:          notify.ParsePriority(req.Priority),
		DeliveryGuarantee: req.DeliveryGuarantee,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, notifyResponse{NotificationID: id, Queued: id != ""})
}

func (s *Server) handleTask(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are disabled")
		return
	}
	id := ps.ByName("id")
	tasks := make([]notify.Task, 0)
	for _, t := range s.notify.Tasks() {
		if t.NotificationID == id || t.ID == id {
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type preferencesBody struct {
	Channels map[string]bool `json:"channels"`
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if s.prefs == nil {
		writeError(w, http.StatusServiceUnavailable, "preferences are disabled")
		return
	}
	writeJSON(w, http.StatusOK, preferencesBody{Channels: s.prefs.Get(ps.ByName("id"))})
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.prefs == nil {
		writeError(w, http.StatusServiceUnavailable, "preferences are disabled")
		return
	}
	var req preferencesBody
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	userID := ps.ByName("id")
	for channel, enabled := range req.Channels {
		s.prefs.Set(userID, channel, enabled)
	}
	writeJSON(w, http.StatusOK, preferencesBody{Channels: s.prefs.Get(userID)})
}
