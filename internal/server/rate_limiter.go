package server

import (
	"math"
	"sync"
	"time"
)

// rateLimiter is a token bucket over one connection's inbound frames. It holds
// at most burst tokens and regains one every interval.
type rateLimiter struct {
	mu       sync.Mutex
	burst    float64
	perSec   float64
	tokens   float64
	refilled time.Time
	now      func() time.Time
}

func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	burst = max(burst, 1)
	if interval <= 0 {
		interval = time.Second
	}
	return &rateLimiter{
		burst:    float64(burst),
		perSec:   1 / interval.Seconds(),
		tokens:   float64(burst),
		refilled: time.Now(),
		now:      time.Now,
	}
}

// allow takes one token if available.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// retryAfter is how long until the next token.
func (rl *rateLimiter) retryAfter() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		return 0
	}
	return time.Duration(math.Ceil((1 - rl.tokens) / rl.perSec * float64(time.Second)))
}

func (rl *rateLimiter) refill() {
	t := rl.now()
	if d := t.Sub(rl.refilled).Seconds(); d > 0 {
		rl.tokens = math.Min(rl.burst, rl.tokens+d*rl.perSec)
	}
	rl.refilled = t
}
