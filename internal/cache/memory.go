package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local Cache. A ttl of zero or less never expires.
type MemoryCache struct {
	mu        sync.RWMutex
	data      map[string]cacheItem
	done      chan struct{}
	closeOnce sync.Once
}

type cacheItem struct {
	value      []byte
	expiration time.Time
}

func (i cacheItem) expired(now time.Time) bool {
	return !i.expiration.IsZero() && now.After(i.expiration)
}

// NewMemoryCache starts a janitor that drops expired entries every interval.
func NewMemoryCache(interval time.Duration) *MemoryCache {
	if interval <= 0 {
		interval = time.Minute
	}
	mc := &MemoryCache{
		data: make(map[string]cacheItem),
		done: make(chan struct{}),
	}
	go mc.janitor(interval)
	return mc
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	item, ok := m.data[key]
	m.mu.RUnlock()

	if !ok || item.expired(time.Now()) {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), item.value...), nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := cacheItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiration = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.data[key] = item
	m.mu.Unlock()
	return nil
}

// Len counts live entries.
func (m *MemoryCache) Len() int {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, item := range m.data {
		if !item.expired(now) {
			n++
		}
	}
	return n
}

func (m *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evict(time.Now())
		case <-m.done:
			return
		}
	}
}

func (m *MemoryCache) evict(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, item := range m.data {
		if item.expired(now) {
			delete(m.data, key)
		}
	}
}

// Close stops the janitor. It is safe to call more than once.
func (m *MemoryCache) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
