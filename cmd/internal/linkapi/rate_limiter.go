package linkapi

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window limiter for one key.
type rateLimiter struct {
	events []time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		events: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

func (r *rateLimiter) prune(now time.Time) {
	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst
}

func (r *rateLimiter) allow(now time.Time) bool {
	r.prune(now)
	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

// keyedLimiter holds one sliding window per user.
type keyedLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	keys   map[string]*rateLimiter
}

const keyedLimiterPruneAt = 1024

func newKeyedLimiter(limit int, window time.Duration) *keyedLimiter {
	if limit <= 0 {
		limit = defaultSendLimit
	}
	if window <= 0 {
		window = defaultSendWindow
	}
	return &keyedLimiter{limit: limit, window: window, keys: make(map[string]*rateLimiter)}
}

// Allow reports whether key may act at now, and counts the event if so.
func (k *keyedLimiter) Allow(key string, now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.keys) >= keyedLimiterPruneAt {
		for id, rl := range k.keys {
			rl.prune(now)
			if len(rl.events) == 0 {
				delete(k.keys, id)
			}
		}
	}

	rl, ok := k.keys[key]
	if !ok {
		rl = newRateLimiter(k.limit, k.window)
		k.keys[key] = rl
	}
	return rl.allow(now)
}

func (k *keyedLimiter) Forget(key string) {
	k.mu.Lock()
	delete(k.keys, key)
	k.mu.Unlock()
}
