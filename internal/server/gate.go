package server

import (
	"errors"

	"github.com/aporkolab/Nyelvszo-v.2.0/internal/auth"
)

// ErrAlreadyAuthenticated is returned when a connection authenticates twice.
// A client reconnects to change identity.
var ErrAlreadyAuthenticated = errors.New("server: connection already authenticated")

// AuthError wraps a credential verification failure. The connection stays
// open in the anonymous tier.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

// AuthResult is returned to the client in auth_success.
type AuthResult struct {
	UserID       string    `json:"userId"`
	Name         string    `json:"name,omitempty"`
	Role         auth.Role `json:"role"`
	Capabilities []string  `json:"capabilities"`
}

// Authenticate verifies token and binds the identity to the connection. The
// binding is checked once; expiry is not re-verified during the session.
func (h *Hub) Authenticate(id, token string) (AuthResult, error) {
	c, ok := h.Get(id)
	if !ok {
		return AuthResult{}, ErrConnectionNotFound
	}
	if c.Authenticated() {
		return AuthResult{}, ErrAlreadyAuthenticated
	}
	if h.verifier == nil {
		return AuthResult{}, &AuthError{Err: auth.ErrMissingSecret}
	}
	ident, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Info("authentication failed", "connection_id", id, "error", err)
		return AuthResult{}, &AuthError{Err: err}
	}

	h.mu.Lock()
	if current, ok := h.conns[id]; !ok || current != c {
		h.mu.Unlock()
		return AuthResult{}, ErrConnectionNotFound
	}
	c.mu.Lock()
	if c.authed {
		c.mu.Unlock()
		h.mu.Unlock()
		return AuthResult{}, ErrAlreadyAuthenticated
	}
	c.identity = ident
	c.authed = true
	c.mu.Unlock()
	joinIndex(h.sessions, ident.UserID, id)
	sessions := len(h.sessions[ident.UserID])
	h.mu.Unlock()

	h.logger.Info("connection authenticated",
		"connection_id", id, "user_id", ident.UserID, "role", ident.Role.String(), "user_connections", sessions)
	return AuthResult{
		UserID:       ident.UserID,
		Name:         ident.Name,
		Role:         ident.Role,
		Capabilities: auth.Capabilities(ident.Role),
	}, nil
}
