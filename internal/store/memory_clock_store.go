package store

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/model"
)

// InMemoryClockStore implements ClockStore using an in-memory map
type InMemoryClockStore struct {
	records map[string][]model.ClockRecord
	mu      sync.RWMutex
	now     func() time.Time
}

// NewInMemoryClockStore creates a new in-memory clock store
func NewInMemoryClockStore() *InMemoryClockStore {
	return &InMemoryClockStore{
		records: make(map[string][]model.ClockRecord),
		now:     time.Now,
	}
}

// GetCurrentClock returns the user's current clock
func (s *InMemoryClockStore) GetCurrentClock(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.records[userID])) - 1, nil
}

// GetCurrentClocks returns the current clock of every user in userIDs
func (s *InMemoryClockStore) GetCurrentClocks(ctx context.Context, userIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clocks := make(map[string]int64, len(userIDs))
	for _, userID := range userIDs {
		clocks[userID] = int64(len(s.records[userID])) - 1
	}
	return clocks, nil
}

// GetClockRecordsSince returns records after clock
func (s *InMemoryClockStore) GetClockRecordsSince(ctx context.Context, userID string, clock int64) ([]model.ClockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[userID]
	start := clock + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(records)) {
		return []model.ClockRecord{}, nil
	}

	out := make([]model.ClockRecord, len(records)-int(start))
	copy(out, records[start:])
	return out, nil
}

// AppendRecord appends the next clock record
func (s *InMemoryClockStore) AppendRecord(ctx context.Context, userID string, clock int64, sourceTable string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// record i always holds clock i, so the slice length is current+1
	current := int64(len(s.records[userID])) - 1
	if clock != current+1 {
		return apperrors.ClockGap(userID, current, clock)
	}

	s.records[userID] = append(s.records[userID], model.ClockRecord{
		UserID:      userID,
		Clock:       clock,
		SourceTable: sourceTable,
		Timestamp:   s.now(),
	})
	return nil
}

// Ping always succeeds
func (s *InMemoryClockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *InMemoryClockStore) Close() {}
