package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/model"
)

// InMemoryReplicaSetStore implements ReplicaSetStore using an in-memory map
type InMemoryReplicaSetStore struct {
	sets map[string]model.ReplicaSet
	mu   sync.RWMutex
}

// NewInMemoryReplicaSetStore creates a store seeded with the given replica sets
func NewInMemoryReplicaSetStore(seed ...model.ReplicaSet) *InMemoryReplicaSetStore {
	s := &InMemoryReplicaSetStore{
		sets: make(map[string]model.ReplicaSet),
	}
	for _, rs := range seed {
		s.sets[rs.UserID] = rs.Clone()
	}
	return s
}

// GetReplicaSets returns the replica sets of the given users
func (s *InMemoryReplicaSetStore) GetReplicaSets(ctx context.Context, userIDs []string) (map[string]model.ReplicaSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.ReplicaSet, len(userIDs))
	for _, id := range userIDs {
		if rs, ok := s.sets[id]; ok {
			out[id] = rs.Clone()
		}
	}
	return out, nil
}

// ListUsersByPrimary pages through users whose primary is the endpoint
func (s *InMemoryReplicaSetStore) ListUsersByPrimary(ctx context.Context, primary string, offset, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0)
	for id, rs := range s.sets {
		if rs.Primary == primary {
			users = append(users, id)
		}
	}
	sort.Strings(users)

	if offset >= len(users) {
		return []string{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(users) {
		end = len(users)
	}
	return users[offset:end], nil
}

// UpdateReplicaSet replaces a replica set with an optimistic version check
func (s *InMemoryReplicaSetStore) UpdateReplicaSet(ctx context.Context, rs model.ReplicaSet, expectedVersion int64) (model.ReplicaSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sets[rs.UserID]
	if !ok {
		return model.ReplicaSet{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return model.ReplicaSet{}, apperrors.VersionConflict(rs.UserID, expectedVersion, current.Version)
	}

	updated := rs.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now()
	s.sets[rs.UserID] = updated
	return updated.Clone(), nil
}

// Put inserts or overwrites a replica set without a version check
func (s *InMemoryReplicaSetStore) Put(rs model.ReplicaSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[rs.UserID] = rs.Clone()
}

// Ping always succeeds
func (s *InMemoryReplicaSetStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *InMemoryReplicaSetStore) Close() {}
