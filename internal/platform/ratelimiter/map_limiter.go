// Package ratelimiter provides a token bucket per string key. The relay pool
// keys it by relay URL to keep outbound publish bursts polite.
package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MapLimiter holds one token bucket per key and evicts buckets that have
// been idle past the TTL. A nil *MapLimiter allows everything.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New creates a keyed limiter; invalid arguments yield nil, which disables
// limiting entirely.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether one token is available for the key at now. Empty
// keys are never limited.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastUsed = now
	allowed := b.limiter.AllowN(now, 1)

	l.calls++
	if l.calls%512 == 0 {
		l.evictIdleLocked(now)
	}
	return allowed
}

func (l *MapLimiter) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
