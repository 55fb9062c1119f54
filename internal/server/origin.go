package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open a connection. Origins
// compare as lower-cased scheme://host; paths are ignored.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
	logger  *slog.Logger
}

// newOriginPolicy builds a policy from configured origins. An empty list or a
// "*" entry admits every origin; unparsable entries are logged and skipped.
func newOriginPolicy(origins []string, logger *slog.Logger) *originPolicy {
	p := &originPolicy{
		any:     len(origins) == 0,
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}
	for _, raw := range origins {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case entry == "*":
			p.any = true
		default:
			key, ok := originKey(entry)
			if !ok {
				logger.Warn("ignoring invalid origin in configuration", "origin", raw)
				continue
			}
			p.allowed[key] = struct{}{}
		}
	}
	return p
}

func originKey(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

func (p *originPolicy) allows(r *http.Request) bool {
	if p.any {
		return true
	}
	key, ok := originKey(r.Header.Get("Origin"))
	if !ok {
		return false
	}
	_, allowed := p.allowed[key]
	return allowed
}

// check is the websocket.Upgrader CheckOrigin hook.
func (p *originPolicy) check(r *http.Request) bool {
	if p.allows(r) {
		return true
	}
	p.logger.Warn("blocked connection from disallowed origin", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
	return false
}
