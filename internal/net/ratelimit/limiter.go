package ratelimit

import (
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter keeps an independent token bucket per key. It is used to bound
// log volume per market so one noisy feed cannot drown the others.
type Limiter struct {
	mu        sync.RWMutex
	limiters  map[string]*entry
	perSecond float64
	burst     int
}

type entry struct {
	limiter    *rate.Limiter
	suppressed uint64
}

// NewLimiter creates a limiter allowing perSecond events per key with the
// given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{
		limiters:  make(map[string]*entry),
		perSecond: perSecond,
		burst:     burst,
	}
}

// getEntry returns or creates the bucket for key.
func (l *Limiter) getEntry(key string) *entry {
	l.mu.RLock()
	e, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if e, exists := l.limiters[key]; exists {
		return e
	}

	e = &entry{limiter: rate.NewLimiter(rate.Limit(l.perSecond), l.burst)}
	l.limiters[key] = e
	return e
}

// Allow reports whether an event for key may proceed. Denied events are
// counted as suppressed.
func (l *Limiter) Allow(key string) bool {
	e := l.getEntry(key)
	if e.limiter.Allow() {
		return true
	}
	l.mu.Lock()
	e.suppressed++
	l.mu.Unlock()
	return false
}

// TakeSuppressed returns and clears the number of events denied for key
// since the last call.
func (l *Limiter) TakeSuppressed(key string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		return 0
	}
	n := e.suppressed
	e.suppressed = 0
	return n
}

// Forget drops the bucket for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// SetLimit updates the rate for all existing and future buckets.
func (l *Limiter) SetLimit(perSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.perSecond = perSecond
	for _, e := range l.limiters {
		e.limiter.SetLimit(rate.Limit(perSecond))
	}
}

// Keys returns the tracked keys in sorted order.
func (l *Limiter) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.limiters))
	for k := range l.limiters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns per-key bucket state.
func (l *Limiter) Stats() map[string]LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]LimiterStats, len(l.limiters))
	for key, e := range l.limiters {
		stats[key] = LimiterStats{
			Key:             key,
			PerSecond:       float64(e.limiter.Limit()),
			Burst:           e.limiter.Burst(),
			TokensAvailable: e.limiter.Tokens(),
			Suppressed:      e.suppressed,
		}
	}
	return stats
}

// LimiterStats represents the state of a single bucket.
type LimiterStats struct {
	Key             string  `json:"key"`
	PerSecond       float64 `json:"per_second"`
	Burst           int     `json:"burst"`
	TokensAvailable float64 `json:"tokens_available"`
	Suppressed      uint64  `json:"suppressed"`
}

// IsThrottled returns true if the bucket is currently empty.
func (s LimiterStats) IsThrottled() bool {
	return s.TokensAvailable < 1
}
