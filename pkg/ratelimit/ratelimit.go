// Package ratelimit provides a per-user token bucket and its HTTP
// middleware. Buckets refill continuously at bucket_size per window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/kadirpekel/mantle/pkg/config"
)

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// Limiter tracks one token bucket per key. Safe for concurrent use.
type Limiter struct {
	size   float64
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	cfg.SetDefaults()
	return &Limiter{
		size:    float64(cfg.BucketSize),
		window:  cfg.Window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token from the key's bucket; false means rate-limited.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.size, lastFill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastFill)
	b.tokens += elapsed.Seconds() * l.size / l.window.Seconds()
	if b.tokens > l.size {
		b.tokens = l.size
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Prune drops buckets idle long enough to be full again.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, b := range l.buckets {
		if b.lastFill.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
