package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const (
	defaultMaxEntries = 10000
	queueBuffer       = 128
)

type memoryEntry struct {
	value    string
	expireAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MemoryCache is a bounded in-process Store. State is lost on restart, so it
// only backs local development and data where loss is acceptable.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	queues     map[string]chan string
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache creates a cache holding at most maxEntries keys (0 selects a default).
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryCache{
		entries:    make(map[string]memoryEntry),
		queues:     make(map[string]chan string),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		delete(m.entries, key)
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expireAt time.Time
	if expiration > 0 {
		expireAt = m.now().Add(expiration)
	}
	m.put(key, memoryEntry{value: value, expireAt: expireAt})
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryCache) Incr(_ context.Context, key string, expireAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if e, ok := m.entries[key]; ok && !e.expired(m.now()) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	m.put(key, memoryEntry{value: strconv.FormatInt(n, 10), expireAt: expireAt})
	return n, nil
}

// put stores an entry, evicting expired keys and then arbitrary ones when full. Caller holds mu.
func (m *MemoryCache) put(key string, e memoryEntry) {
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		now := m.now()
		for k, v := range m.entries {
			if v.expired(now) {
				delete(m.entries, k)
			}
		}
		for k := range m.entries {
			if len(m.entries) < m.maxEntries {
				break
			}
			delete(m.entries, k)
		}
	}
	m.entries[key] = e
}

func (m *MemoryCache) queue(key string) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = make(chan string, queueBuffer)
		m.queues[key] = q
	}
	return q
}

// Push drops the value if the queue is full.
func (m *MemoryCache) Push(_ context.Context, key, value string) error {
	select {
	case m.queue(key) <- value:
	default:
	}
	return nil
}

func (m *MemoryCache) Pop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-m.queue(key):
		return v, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (m *MemoryCache) Drop(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, key)
	return nil
}

func (m *MemoryCache) Close() error { return nil }
