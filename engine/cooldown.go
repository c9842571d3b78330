package engine

import (
	"sync"
	"time"
)

// cooldownTracker remembers until when each cooldown bucket is closed. State
// is process-local; a restart clears all cooldowns.
type cooldownTracker struct {
	mu    sync.Mutex
	until map[string]time.Time
	clock func() time.Time
}

func newCooldownTracker(clock func() time.Time) *cooldownTracker {
	return &cooldownTracker{
		until: make(map[string]time.Time),
		clock: clock,
	}
}

// InCooldown reports whether the bucket is still closed, dropping it once the
// window has lapsed.
func (c *cooldownTracker) InCooldown(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.until[key]
	if !ok {
		return false
	}
	if c.clock().After(deadline) {
		delete(c.until, key)
		return false
	}
	return true
}

// Set closes the bucket for the window starting now.
func (c *cooldownTracker) Set(key string, window time.Duration) {
	if window <= 0 {
		return
	}
	c.mu.Lock()
	c.until[key] = c.clock().Add(window)
	c.mu.Unlock()
}
