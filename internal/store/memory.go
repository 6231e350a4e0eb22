package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryKV is an in-process KV driver. It backs tests and the "memory"
// durable driver for single-process runs.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]memValue
	now     func() time.Time
}

type memValue struct {
	data      []byte
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memValue), now: time.Now}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok || m.expired(v) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.data...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memValue{data: append([]byte(nil), value...)}
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.entries {
		if strings.HasPrefix(k, prefix) && !m.expired(v) {
			out[k] = append([]byte(nil), v.data...)
		}
	}
	return out, nil
}

func (m *MemoryKV) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.entries[key]; ok && !m.expired(v) {
		return false, nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = memValue{data: append([]byte(nil), value...), expiresAt: expiresAt}
	return true, nil
}

func (m *MemoryKV) Ping(context.Context) error { return nil }

func (m *MemoryKV) Close() error { return nil }

// Len returns the number of stored keys, expired or not.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryKV) expired(v memValue) bool {
	return !v.expiresAt.IsZero() && m.now().After(v.expiresAt)
}
