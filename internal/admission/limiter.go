// Package admission throttles connection attempts per user identity so a
// flapping client cannot monopolise the gateway with reconnect storms.
package admission

import (
	"sync"
	"time"
)

// Limiter enforces a per-identity cap on connection attempts within a
// sliding window.
type Limiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewLimiter constructs a limiter allowing up to limit attempts per
// identity per window. A non-positive window or limit disables limiting.
func NewLimiter(window time.Duration, limit int, timeSource func() time.Time) *Limiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &Limiter{
		window:   window,
		limit:    limit,
		now:      timeSource,
		attempts: make(map[string][]time.Time),
	}
}

// Allow reports whether the identity may attempt a connection now.
func (l *Limiter) Allow(identity string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 || identity == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.attempts[identity][:0]
	for _, ts := range l.attempts[identity] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.attempts[identity] = kept
		return false
	}
	l.attempts[identity] = append(kept, now)
	return true
}

// Forget clears the attempt history for an identity; called when its
// session is purged so the map does not grow with departed users.
func (l *Limiter) Forget(identity string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.attempts, identity)
	l.mu.Unlock()
}
