package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(now time.Time) *SyncHealthTracker {
	tracker := NewSyncHealthTracker(store.NewInMemoryCounterStore(0), zap.NewNop())
	tracker.now = func() time.Time { return now }
	return tracker
}

var trackerNow = time.Date(2026, 5, 14, 18, 30, 0, 0, time.UTC)

func TestSyncHealthTracker_SuccessRates(t *testing.T) {
	const secondary = "http://cn2.example.com"
	tests := []struct {
		name      string
		successes int
		failures  int
		want      SuccessRate
	}{
		{"one success", 1, 0, SuccessRate{SuccessCount: 1, FailureCount: 0, SuccessRate: 1}},
		{"one of each", 1, 1, SuccessRate{SuccessCount: 1, FailureCount: 1, SuccessRate: 0.5}},
		{"one failure", 0, 1, SuccessRate{SuccessCount: 0, FailureCount: 1, SuccessRate: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tracker := newTestTracker(trackerNow)
			for i := 0; i < tt.successes; i++ {
				require.NoError(t, tracker.RecordSuccess(ctx, secondary, "wallet1", model.SyncRecurring))
			}
			for i := 0; i < tt.failures; i++ {
				require.NoError(t, tracker.RecordFailure(ctx, secondary, "wallet1", model.SyncRecurring))
			}

			rates, err := tracker.ComputeSuccessRates(ctx, map[string][]string{"wallet1": {secondary}})
			require.NoError(t, err)
			assert.Equal(t, map[string]map[string]SuccessRate{"wallet1": {secondary: tt.want}}, rates)
		})
	}
}

func TestSyncHealthTracker_NoAttemptsOmitted(t *testing.T) {
	tracker := newTestTracker(trackerNow)
	rates, err := tracker.ComputeSuccessRates(context.Background(), map[string][]string{"wallet1": {"http://cn2"}})
	require.NoError(t, err)
	assert.Empty(t, rates)
}

func TestSyncHealthTracker_ScopedToRequestedPairs(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(trackerNow)

	users := []string{"wallet1", "wallet2", "wallet3"}
	secondaries := []string{"http://cn2", "http://cn3", "http://cn4"}
	for _, u := range users {
		for _, s := range secondaries {
			require.NoError(t, tracker.RecordSuccess(ctx, s, u, model.SyncRecurring))
			require.NoError(t, tracker.RecordFailure(ctx, s, u, model.SyncManual))
		}
	}

	rates, err := tracker.ComputeSuccessRates(ctx, map[string][]string{
		"wallet1": {"http://cn2", "http://cn3"},
		"wallet3": {"http://cn4"},
	})
	require.NoError(t, err)

	require.Len(t, rates, 2)
	assert.Len(t, rates["wallet1"], 2)
	assert.Len(t, rates["wallet3"], 1)
	assert.NotContains(t, rates, "wallet2")
	// Summed over both sync types
	assert.Equal(t, SuccessRate{SuccessCount: 1, FailureCount: 1, SuccessRate: 0.5}, rates["wallet3"]["http://cn4"])
}

func TestSyncHealthTracker_DayBuckets(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(trackerNow.AddDate(0, 0, -1))
	require.NoError(t, tracker.RecordFailure(ctx, "http://cn2", "wallet1", model.SyncRecurring))
	require.NoError(t, tracker.RecordFailure(ctx, "http://cn2", "wallet1", model.SyncRecurring))

	tracker.now = func() time.Time { return trackerNow }
	require.NoError(t, tracker.RecordSuccess(ctx, "http://cn2", "wallet1", model.SyncRecurring))

	pairs := map[string][]string{"wallet1": {"http://cn2"}}

	today, err := tracker.ComputeSuccessRates(ctx, pairs)
	require.NoError(t, err)
	assert.Equal(t, SuccessRate{SuccessCount: 1, SuccessRate: 1}, today["wallet1"]["http://cn2"])

	rolling, err := tracker.ComputeRollingSuccessRates(ctx, pairs, 30)
	require.NoError(t, err)
	got := rolling["wallet1"]["http://cn2"]
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(2), got.FailureCount)
	assert.InDelta(t, 1.0/3.0, got.SuccessRate, 1e-9)

	failures, err := tracker.GetFailureCountForToday(ctx, "http://cn2", "wallet1", model.SyncRecurring)
	require.NoError(t, err)
	assert.Equal(t, int64(0), failures)
}

func TestSyncHealthTracker_FailureCountPerSyncType(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(trackerNow)
	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.RecordFailure(ctx, "http://cn2", "wallet1", model.SyncManual))
	}
	require.NoError(t, tracker.RecordFailure(ctx, "http://cn2", "wallet1", model.SyncRecurring))

	manual, err := tracker.GetFailureCountForToday(ctx, "http://cn2", "wallet1", model.SyncManual)
	require.NoError(t, err)
	assert.Equal(t, int64(3), manual)
}

func TestCounterKey_UsesUTCDay(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	local := time.Date(2026, 5, 14, 22, 0, 0, 0, est)
	assert.Equal(t,
		"secondarySyncHealth:failure:http://cn2:wallet1:manual:2026-05-15",
		counterKey(outcomeFailure, "http://cn2", "wallet1", model.SyncManual, local))
}

func TestSyncHealthTracker_CounterStoreErrors(t *testing.T) {
	counters := new(MockCounterStore)
	counters.On("Increment", mock.Anything, mock.Anything, int64(1)).Return(errors.New("redis down"))
	counters.On("Sum", mock.Anything, mock.Anything).Return(int64(0), errors.New("redis down"))
	tracker := NewSyncHealthTracker(counters, zap.NewNop())

	assert.Error(t, tracker.RecordSuccess(context.Background(), "http://cn2", "wallet1", model.SyncRecurring))
	_, err := tracker.ComputeSuccessRates(context.Background(), map[string][]string{"wallet1": {"http://cn2"}})
	assert.Error(t, err)
}
