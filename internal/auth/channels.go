package auth

import "strings"

// ChannelName is a topic channel name split into its topic and optional
// sub-topic ("admin:stats" is Topic "admin", Sub "stats").
type ChannelName struct {
	Topic string
	Sub   string
}

// ParseChannel splits a channel name on the first ':'.
func ParseChannel(name string) ChannelName {
	topic, sub, _ := strings.Cut(strings.TrimSpace(name), ":")
	return ChannelName{Topic: topic, Sub: sub}
}

// String joins the channel name back into its wire form.
func (c ChannelName) String() string {
	if c.Sub == "" {
		return c.Topic
	}
	return c.Topic + ":" + c.Sub
}

// Scope selects which sub-topics of a topic a Grant covers.
type Scope int

const (
	// ScopeExact covers only the bare topic.
	ScopeExact Scope = iota
	// ScopeSubtopics covers every "topic:<sub>" channel but not the bare topic.
	ScopeSubtopics
)

// Grant allows access to one topic (or its sub-topics) from a minimum tier.
type Grant struct {
	Tier  Role
	Topic string
	Scope Scope
}

// Matches reports whether the grant covers the channel.
func (g Grant) Matches(c ChannelName) bool {
	if c.Topic == "" || c.Topic != g.Topic {
		return false
	}
	switch g.Scope {
	case ScopeExact:
		return c.Sub == ""
	case ScopeSubtopics:
		return c.Sub != ""
	default:
		return false
	}
}

var grants = []Grant{
	{Tier: RoleAnonymous, Topic: "public", Scope: ScopeExact},
	{Tier: RoleAnonymous, Topic: "entries", Scope: ScopeExact},
	{Tier: RoleAnonymous, Topic: "search", Scope: ScopeExact},
	{Tier: RoleUser, Topic: "chat", Scope: ScopeExact},
	{Tier: RoleUser, Topic: "notifications", Scope: ScopeExact},
	{Tier: RoleEditor, Topic: "editor", Scope: ScopeExact},
	{Tier: RoleEditor, Topic: "editor", Scope: ScopeSubtopics},
	{Tier: RoleEditor, Topic: "events", Scope: ScopeExact},
	{Tier: RoleAdmin, Topic: "admin", Scope: ScopeExact},
	{Tier: RoleAdmin, Topic: "admin", Scope: ScopeSubtopics},
}

// Grants returns every grant available to the role, including inherited ones.
func Grants(r Role) []Grant {
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if r.AtLeast(g.Tier) {
			out = append(out, g)
		}
	}
	return out
}

// CanSubscribe reports whether a connection at role r may subscribe to name.
func CanSubscribe(r Role, name string) bool {
	c := ParseChannel(name)
	for _, g := range grants {
		if r.AtLeast(g.Tier) && g.Matches(c) {
			return true
		}
	}
	return false
}

// FilterChannels returns the subset of names that role r may subscribe to,
// preserving request order and dropping duplicates.
func FilterChannels(r Role, names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup {
			continue
		}
		if CanSubscribe(r, name) {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
