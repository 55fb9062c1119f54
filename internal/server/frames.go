package server

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame is the envelope of every message exchanged over a connection.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-initiated frame types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSearch      = "search"
	TypeTyping      = "typing"
	TypeChatMessage = "chat_message"
	TypeEntryEdit   = "entry_edit"
	TypeHeartbeat   = "heartbeat"
)

// Server-initiated frame types.
const (
	TypeConnection    = "connection"
	TypeAuthSuccess   = "auth_success"
	TypeAuthFailed    = "auth_failed"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeRoomJoined    = "room_joined"
	TypeRoomLeft      = "room_left"
	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypeSearchResults = "search_results"
	TypeUserTyping    = "user_typing"
	TypeEntryUpdated  = "entry_updated"
	TypeNotification  = "notification"
	TypeDomainEvent   = "domain_event"
	TypeError         = "error"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeDisconnect    = "disconnect"
)

// Stable error codes carried by error frames.
const (
	CodeInvalidFrame         = "INVALID_FRAME"
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeAuthFailed           = "AUTH_FAILED"
	CodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	CodeForbidden            = "FORBIDDEN"
	CodeRateLimited          = "RATE_LIMITED"
	CodeNotInRoom            = "NOT_IN_ROOM"
	CodeSearchFailed         = "SEARCH_FAILED"
	CodeEditFailed           = "EDIT_FAILED"
)

// ErrorPayload is the body of error and auth_failed frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeFrame marshals a server frame. Payloads are types owned by this
// package, so a marshal failure is a programming error.
func encodeFrame(frameType string, payload any) []byte {
	b, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{frameType, payload})
	if err != nil {
		panic(fmt.Sprintf("server: encode %s frame: %v", frameType, err))
	}
	return b
}

func errorFrame(code, message string) []byte {
	return encodeFrame(TypeError, ErrorPayload{Code: code, Message: message})
}

// decodeFrame parses an inbound frame. A frame without a type is invalid.
func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed JSON: %w", err)
	}
	f.Type = strings.TrimSpace(f.Type)
	if f.Type == "" {
		return Frame{}, fmt.Errorf("missing frame type")
	}
	return f, nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
