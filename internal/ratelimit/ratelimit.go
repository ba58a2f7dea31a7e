// Package ratelimit implements the fixed-window abuse guard used for login
// and password-change throttling. The HTTP layer carries its own per-IP
// token bucket; this guard exists for flows that must report an exact reset
// time to the caller.
package ratelimit

import (
	"sync"
	"time"
)

// Result is one admission verdict. ResetAt is the instant the current window
// closes and the counter restarts.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Guard counts attempts per identifier inside fixed windows. Identifiers are
// caller-chosen, typically "login:<client>" or "pwd:<user>", so independent
// flows never share a counter.
type Guard struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard returns an empty guard.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check admits or rejects one attempt for identifier under the given ceiling.
// The attempt is counted only when admitted, so rejected retries cannot
// extend a lockout.
func (g *Guard) Check(identifier string, max int, windowSize time.Duration) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	w, ok := g.windows[identifier]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(windowSize)}
		g.windows[identifier] = w
	}
	if w.count >= max {
		return Result{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return Result{Allowed: true, Remaining: max - w.count, ResetAt: w.resetAt}
}

// Reset clears the counter for identifier, e.g. after a successful login.
func (g *Guard) Reset(identifier string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.windows, identifier)
}

// Prune drops windows that have already closed. Safe to call from a ticker.
func (g *Guard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	removed := 0
	for id, w := range g.windows {
		if !now.Before(w.resetAt) {
			delete(g.windows, id)
			removed++
		}
	}
	return removed
}
