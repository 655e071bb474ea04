package cache

import (
	"context"
	"sync"
	"time"

	"github.com/marstr/collection/v2"
)

// DefaultMaxItems bounds a MemoryStore built without an explicit size.
const DefaultMaxItems = 10_000

// MemoryStore is a process-local LRU store.
type MemoryStore struct {
	capacity uint

	mu  sync.Mutex
	lru *collection.LRUCache[string, []byte]
}

func NewMemoryStore(capacity uint) *MemoryStore {
	if capacity == 0 {
		capacity = DefaultMaxItems
	}
	return &MemoryStore{capacity: capacity, lru: collection.NewLRUCache[string, []byte](capacity)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lru.Get(key)
	return v, ok && v != nil, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Put(key, value)
	return nil
}

// Delete leaves a nil tombstone that reads as a miss until evicted.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lru.Get(key); ok {
		m.lru.Put(key, nil)
	}
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru = collection.NewLRUCache[string, []byte](m.capacity)
	return nil
}
