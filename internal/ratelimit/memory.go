package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryStoreSize bounds the number of live counters kept by a
// MemoryStore. The least recently used counter is dropped when full.
const DefaultMemoryStoreSize = 65536

type window struct {
	consumed  int
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *window]
	now   func() time.Time
}

// NewMemoryStore creates a MemoryStore holding at most size counters.
// A size <= 0 selects DefaultMemoryStoreSize.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryStoreSize
	}
	cache, err := lru.New[string, *window](size)
	if err != nil {
		return nil, fmt.Errorf("creating counter cache: %w", err)
	}
	return &MemoryStore{cache: cache, now: time.Now}, nil
}

// Consume adds points to the counter for key.
func (s *MemoryStore) Consume(_ context.Context, key string, points, limit int, length time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.cache.Get(key)
	if !ok || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(length)}
		s.cache.Add(key, w)
	}
	w.consumed += points

	return newResult(w.consumed, limit, w.expiresAt.Sub(now)), nil
}

// Reset deletes the counter for key.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
	return nil
}

// Len returns the number of counters held (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
