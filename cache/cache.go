// Package cache provides the small TTL cache the engine uses for event to
// rule lookups.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Memory is an in-process TTL cache. Entries expire lazily on read. Safe for
// concurrent use.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry
	clock func() time.Time
}

// Option customizes a Memory cache.
type Option func(*Memory)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Memory) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMemory builds an empty cache.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		items: make(map[string]entry),
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Get returns the live value for key, if any.
func (m *Memory) Get(key string) (any, bool) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if m.clock().After(e.expiresAt) {
		m.mu.Lock()
		// Recheck under the write lock; a concurrent Set may have refreshed it.
		if cur, ok := m.items[key]; ok && m.clock().After(cur.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl removes the key.
func (m *Memory) Set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl <= 0 {
		delete(m.items, key)
		return
	}
	m.items[key] = entry{value: value, expiresAt: m.clock().Add(ttl)}
}

// Delete removes a key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Purge drops every expired entry and reports how many were removed.
func (m *Memory) Purge() int {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, e := range m.items {
		if now.After(e.expiresAt) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
