// Package health tracks whether a remote connection is verified and fresh.
// A verified connection goes stale after a fixed age, forcing the owner to
// reconnect before the next use.
package health

import (
	"sync"
	"time"
)

// Health is safe for concurrent use.
type Health struct {
	mu          sync.RWMutex
	verified    bool
	lastSuccess time.Time
	staleAfter  time.Duration
	now         func() time.Time
}

// New creates an unverified Health. now may be nil (time.Now).
func New(staleAfter time.Duration, now func() time.Time) *Health {
	if now == nil {
		now = time.Now
	}
	return &Health{staleAfter: staleAfter, now: now}
}

// IsFresh reports verified && now-lastSuccess < staleAfter.
func (h *Health) IsFresh() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.verified || h.lastSuccess.IsZero() {
		return false
	}
	return h.now().Sub(h.lastSuccess) < h.staleAfter
}

// MarkVerified records a successful contact at t.
func (h *Health) MarkVerified(t time.Time) {
	h.mu.Lock()
	h.verified = true
	h.lastSuccess = t
	h.mu.Unlock()
}

// Invalidate clears the verified flag. lastSuccess is kept for display.
func (h *Health) Invalidate() {
	h.mu.Lock()
	h.verified = false
	h.mu.Unlock()
}

// Verified reports the flag regardless of staleness.
func (h *Health) Verified() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.verified
}

// LastSuccess returns the last successful contact, if any.
func (h *Health) LastSuccess() (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastSuccess, !h.lastSuccess.IsZero()
}

// StaleAfter returns the configured threshold.
func (h *Health) StaleAfter() time.Duration {
	return h.staleAfter
}
