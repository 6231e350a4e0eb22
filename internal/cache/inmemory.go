package cache

import (
	"context"
	"sync"
	"time"
)

// InMemoryCache is a process-local Cache with periodic eviction of
// expired entries.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	closed  bool
	stop    chan struct{}
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewInMemoryCache creates a new in-memory cache with periodic eviction.
func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		entries: make(map[string]*memEntry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go c.evictLoop(30 * time.Second)
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || entry.expired(c.now()) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.entries[key] = &memEntry{value: cp, expiresAt: expiresAt}
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the number of live entries.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = nil
	close(c.stop)
	return nil
}

func (c *InMemoryCache) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evict()
		}
	}
}

func (c *InMemoryCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}
