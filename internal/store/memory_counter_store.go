package store

import (
	"context"
	"sync"
	"time"
)

// InMemoryCounterStore implements CounterStore using an in-memory map.
// Keys expire after ttl when ttl is positive.
type InMemoryCounterStore struct {
	counters map[string]*counterItem
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
}

type counterItem struct {
	value     int64
	expiresAt time.Time
}

// NewInMemoryCounterStore creates a new in-memory counter store
func NewInMemoryCounterStore(ttl time.Duration) *InMemoryCounterStore {
	return &InMemoryCounterStore{
		counters: make(map[string]*counterItem),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Increment adds amount to key
func (s *InMemoryCounterStore) Increment(ctx context.Context, key string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item, ok := s.counters[key]
	if !ok || s.expired(item, now) {
		item = &counterItem{}
		s.counters[key] = item
	}
	item.value += amount
	if s.ttl > 0 {
		item.expiresAt = now.Add(s.ttl)
	}
	return nil
}

// Sum returns the total of the given keys
func (s *InMemoryCounterStore) Sum(ctx context.Context, keys []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var total int64
	for _, key := range keys {
		item, ok := s.counters[key]
		if !ok || s.expired(item, now) {
			continue
		}
		total += item.value
	}
	return total, nil
}

func (s *InMemoryCounterStore) expired(item *counterItem, now time.Time) bool {
	return s.ttl > 0 && now.After(item.expiresAt)
}

// Ping always succeeds
func (s *InMemoryCounterStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *InMemoryCounterStore) Close() error {
	return nil
}
