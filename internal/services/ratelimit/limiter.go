package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum gap between requests sharing a key. Keys
// are typically hostnames, but any string works (adapters use DSNs,
// API endpoints, and fixed identifiers like "sec_edgar").
type Limiter struct {
	limiters     map[string]*keyLimiter
	mu           sync.RWMutex
	defaultDelay time.Duration
}

// keyLimiter tracks the last request time for a single key.
type keyLimiter struct {
	lastRequest time.Time
	mu          sync.Mutex
	delay       time.Duration
}

// New creates a limiter with the given default minimum gap.
func New(defaultDelay time.Duration) *Limiter {
	return &Limiter{
		limiters:     make(map[string]*keyLimiter),
		defaultDelay: defaultDelay,
	}
}

// Wait blocks until the minimum gap for key has elapsed, then records
// the request time. Returns early with ctx.Err() on cancellation,
// leaving the last-request time unchanged.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}

	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = &keyLimiter{delay: l.defaultDelay}
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := time.Now()
	nextAllowed := limiter.lastRequest.Add(limiter.delay)

	if now.Before(nextAllowed) {
		timer := time.NewTimer(nextAllowed.Sub(now))
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	limiter.lastRequest = time.Now()
	return nil
}

// SetDelay sets a custom minimum gap for a specific key.
func (l *Limiter) SetDelay(key string, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		l.limiters[key] = &keyLimiter{delay: delay}
		return
	}
	limiter.mu.Lock()
	limiter.delay = delay
	limiter.mu.Unlock()
}

// Delay returns the current minimum gap for a key.
func (l *Limiter) Delay(key string) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limiter, exists := l.limiters[key]
	if !exists {
		return l.defaultDelay
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	return limiter.delay
}

// Reset forgets all tracked keys.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*keyLimiter)
}

// Keys returns the number of keys currently tracked.
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
