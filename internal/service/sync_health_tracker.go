package service

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/store"
	"go.uber.org/zap"
)

const (
	syncHealthKeyPrefix = "secondarySyncHealth"
	outcomeSuccess      = "success"
	outcomeFailure      = "failure"
	dayLayout           = "2006-01-02"
)

// SuccessRate aggregates sync attempts for one (user, secondary) pair
type SuccessRate struct {
	SuccessCount int64   `json:"successCount"`
	FailureCount int64   `json:"failureCount"`
	SuccessRate  float64 `json:"successRate"`
}

// SyncHealthTracker records sync outcomes per (secondary, user, sync type)
// in UTC day buckets
type SyncHealthTracker struct {
	counters store.CounterStore
	logger   *zap.Logger
	now      func() time.Time
}

// NewSyncHealthTracker creates a new tracker over counters
func NewSyncHealthTracker(counters store.CounterStore, logger *zap.Logger) *SyncHealthTracker {
	return &SyncHealthTracker{
		counters: counters,
		logger:   logger,
		now:      time.Now,
	}
}

func counterKey(outcome, secondary, userID string, syncType model.SyncType, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		syncHealthKeyPrefix, outcome, secondary, userID, syncType, day.UTC().Format(dayLayout))
}

// RecordSuccess increments today's success count
func (t *SyncHealthTracker) RecordSuccess(ctx context.Context, secondary, userID string, syncType model.SyncType) error {
	return t.record(ctx, outcomeSuccess, secondary, userID, syncType)
}

// RecordFailure increments today's failure count
func (t *SyncHealthTracker) RecordFailure(ctx context.Context, secondary, userID string, syncType model.SyncType) error {
	return t.record(ctx, outcomeFailure, secondary, userID, syncType)
}

func (t *SyncHealthTracker) record(ctx context.Context, outcome, secondary, userID string, syncType model.SyncType) error {
	key := counterKey(outcome, secondary, userID, syncType, t.now())
	if err := t.counters.Increment(ctx, key, 1); err != nil {
		t.logger.Error("Failed to record sync outcome",
			zap.String("outcome", outcome),
			zap.String("secondary", secondary),
			zap.String("user_id", userID),
			zap.String("sync_type", string(syncType)),
			zap.Error(err))
		return fmt.Errorf("failed to record sync %s: %w", outcome, err)
	}
	return nil
}

// GetFailureCountForToday returns today's failures for one sync type
func (t *SyncHealthTracker) GetFailureCountForToday(ctx context.Context, secondary, userID string, syncType model.SyncType) (int64, error) {
	return t.counters.Sum(ctx, []string{counterKey(outcomeFailure, secondary, userID, syncType, t.now())})
}

// ComputeSuccessRates returns today's success rates for the requested
// pairs, summed over sync types. Pairs without attempts are omitted.
func (t *SyncHealthTracker) ComputeSuccessRates(ctx context.Context, usersToSecondaries map[string][]string) (map[string]map[string]SuccessRate, error) {
	return t.ComputeRollingSuccessRates(ctx, usersToSecondaries, 1)
}

// ComputeRollingSuccessRates is ComputeSuccessRates over the trailing days
// UTC days, today included
func (t *SyncHealthTracker) ComputeRollingSuccessRates(ctx context.Context, usersToSecondaries map[string][]string, days int) (map[string]map[string]SuccessRate, error) {
	if days < 1 {
		days = 1
	}
	today := t.now().UTC()

	rates := make(map[string]map[string]SuccessRate)
	for userID, secondaries := range usersToSecondaries {
		for _, secondary := range secondaries {
			successes, err := t.counters.Sum(ctx, t.keys(outcomeSuccess, secondary, userID, today, days))
			if err != nil {
				return nil, fmt.Errorf("failed to read sync successes: %w", err)
			}
			failures, err := t.counters.Sum(ctx, t.keys(outcomeFailure, secondary, userID, today, days))
			if err != nil {
				return nil, fmt.Errorf("failed to read sync failures: %w", err)
			}

			total := successes + failures
			if total == 0 {
				continue
			}
			if rates[userID] == nil {
				rates[userID] = make(map[string]SuccessRate)
			}
			rates[userID][secondary] = SuccessRate{
				SuccessCount: successes,
				FailureCount: failures,
				SuccessRate:  float64(successes) / float64(total),
			}
		}
	}
	return rates, nil
}

func (t *SyncHealthTracker) keys(outcome, secondary, userID string, today time.Time, days int) []string {
	keys := make([]string, 0, days*len(model.AllSyncTypes))
	for d := 0; d < days; d++ {
		day := today.AddDate(0, 0, -d)
		for _, syncType := range model.AllSyncTypes {
			keys = append(keys, counterKey(outcome, secondary, userID, syncType, day))
		}
	}
	return keys
}
