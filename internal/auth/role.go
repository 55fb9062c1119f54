// Package auth defines the role tiers, channel access grants, and bearer token
// verification used to gate the real-time layer.
package auth

import (
	"encoding/json"
	"strings"
)

// Role is an ordered access tier. Higher tiers inherit everything granted to
// lower tiers.
type Role int

const (
	// RoleAnonymous is the tier of every connection that has not authenticated.
	RoleAnonymous Role = iota
	// RoleUser is a signed-in dictionary user.
	RoleUser
	// RoleEditor may edit dictionary entries.
	RoleEditor
	// RoleAdmin may use every channel and the management surface.
	RoleAdmin
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	default:
		return "anonymous"
	}
}

// AtLeast reports whether r is the same tier as min or higher.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// MarshalJSON encodes the role by name.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a role name; unknown names become RoleAnonymous.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseRole(s)
	return nil
}

// ParseRole maps a role name to its tier. Unknown or empty names map to
// RoleAnonymous so a malformed claim never escalates privileges.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser
	case "editor":
		return RoleEditor
	case "admin":
		return RoleAdmin
	default:
		return RoleAnonymous
	}
}

// Capabilities lists the commands a role may issue, returned to clients after
// authentication so they can adapt their UI.
func Capabilities(r Role) []string {
	caps := []string{"search", "subscribe", "join_room", "heartbeat"}
	if r.AtLeast(RoleUser) {
		caps = append(caps, "chat_message", "typing")
	}
	if r.AtLeast(RoleEditor) {
		caps = append(caps, "entry_edit")
	}
	if r.AtLeast(RoleAdmin) {
		caps = append(caps, "admin")
	}
	return caps
}
