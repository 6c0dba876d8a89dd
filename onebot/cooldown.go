package onebot

import (
	"golang.org/x/time/rate"
	"sync"
	"time"
)

const keyedLimiterGCInterval = 1000

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter holds one token bucket per key. Buckets idle for longer
// than ttl are evicted every keyedLimiterGCInterval lookups.
type keyedLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[string]*limiterEntry
	lookups int
	now     func() time.Time
}

func newKeyedLimiter(limit rate.Limit, burst int, ttl time.Duration) *keyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &keyedLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: map[string]*limiterEntry{},
		now:     time.Now,
	}
}

// Allow reports whether an event for key may happen now, consuming a
// token if so
func (k *keyedLimiter) Allow(key string) bool {
	now := k.now()

	k.mu.Lock()
	defer k.mu.Unlock()

	k.lookups++
	if k.lookups >= keyedLimiterGCInterval {
		for key, e := range k.entries {
			if now.Sub(e.lastSeen) >= k.ttl {
				delete(k.entries, key)
			}
		}
		k.lookups = 0
	}

	e, ok := k.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// SetInterval changes the limit to one event per interval, dropping
// existing buckets. Returns false if the interval was unchanged.
func (k *keyedLimiter) SetInterval(interval time.Duration) bool {
	limit := rate.Every(interval)

	k.mu.Lock()
	defer k.mu.Unlock()
	if limit == k.limit {
		return false
	}
	k.limit = limit
	k.ttl = interval
	k.entries = map[string]*limiterEntry{}
	return true
}

func (k *keyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
