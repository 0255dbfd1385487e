package masterkey

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter is a token bucket per key. Idle buckets are dropped after ttl.
type keyedLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(limit rate.Limit, burst int, ttl time.Duration) *keyedLimiter {
	return &keyedLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*limiterEntry),
	}
}

func (m *keyedLimiter) allow(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		e = &limiterEntry{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = e
	}
	e.lastSeen = now

	for k, v := range m.entries {
		if now.Sub(v.lastSeen) > m.ttl {
			delete(m.entries, k)
		}
	}
	return e.lim.AllowN(now, 1)
}
