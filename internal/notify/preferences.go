package notify

import (
	"sync"
	"time"
)

// Preferences decides whether a user receives notifications on a channel.
type Preferences interface {
	Enabled(userID, channel string) bool
}

// MemoryPreferences keeps per-user channel switches in memory on top of
// channel defaults.
type MemoryPreferences struct {
	mu       sync.RWMutex
	defaults map[string]bool
	users    map[string]map[string]bool
}

// NewMemoryPreferences returns preferences where the live channel and email
// are on and SMS is off unless a user says otherwise.
func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{
		defaults: map[string]bool{
			ChannelLive:  true,
			ChannelEmail: true,
			ChannelSMS:   false,
		},
		users: make(map[string]map[string]bool),
	}
}

func (p *MemoryPreferences) Enabled(userID, channel string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if prefs, ok := p.users[userID]; ok {
		if enabled, ok := prefs[channel]; ok {
			return enabled
		}
	}
	return p.defaults[channel]
}

// Set overrides one channel switch for a user.
func (p *MemoryPreferences) Set(userID, channel string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.users[userID] == nil {
		p.users[userID] = make(map[string]bool)
	}
	p.users[userID][channel] = enabled
}

// Get returns the effective switches for every known channel.
func (p *MemoryPreferences) Get(userID string) map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.defaults))
	for ch, enabled := range p.defaults {
		out[ch] = enabled
	}
	for ch, enabled := range p.users[userID] {
		out[ch] = enabled
	}
	return out
}

type windowKey struct {
	recipient, template string
}

type window struct {
	start time.Time
	count int
}

// windowLimiter is a fixed-window counter per (recipient, template).
type windowLimiter struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	w      map[windowKey]*window
}

func newWindowLimiter(limit int, period time.Duration) *windowLimiter {
	if period <= 0 {
		period = time.Hour
	}
	return &windowLimiter{limit: limit, period: period, w: make(map[windowKey]*window)}
}

// allow counts one delivery and reports whether it is within the limit. A
// non-positive limit disables limiting.
func (l *windowLimiter) allow(recipient, template string, now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := windowKey{recipient, template}
	w, ok := l.w[key]
	if !ok || now.Sub(w.start) >= l.period {
		l.w[key] = &window{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// sweep drops expired windows so idle recipients do not accumulate.
func (l *windowLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.w {
		if now.Sub(w.start) >= l.period {
			delete(l.w, k)
		}
	}
}
