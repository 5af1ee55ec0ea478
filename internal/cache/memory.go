package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value    []byte
	expireAt time.Time
}

// MemoryBackend keeps entries in a map with lazy expiry.
type MemoryBackend struct {
	mu    sync.Mutex
	data  map[string]memoryItem
	nowFn func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]memoryItem), nowFn: time.Now}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	if !m.nowFn().Before(item.expireAt) {
		delete(m.data, key)
		return nil, ErrMiss
	}
	return append([]byte(nil), item.value...), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryItem{value: append([]byte(nil), value...), expireAt: m.nowFn().Add(ttl)}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
