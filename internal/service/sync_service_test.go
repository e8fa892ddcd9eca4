package service

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type syncFixture struct {
	service *SyncService
	nodes   *MockNodeClient
	tracker *SyncHealthTracker
	clocks  *store.InMemoryClockStore
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	clocks := store.NewInMemoryClockStore()
	appendClocks(t, clocks, "wallet1", 20)

	nodes := new(MockNodeClient)
	tracker := NewSyncHealthTracker(store.NewInMemoryCounterStore(0), zap.NewNop())
	service := NewSyncService(SyncConfig{
		Self:                        self,
		DailyFailureThreshold:       2,
		PollInterval:                5 * time.Millisecond,
		MaxMonitoringDuration:       40 * time.Millisecond,
		MaxManualMonitoringDuration: 40 * time.Millisecond,
		MaxRecurringAttempts:        2,
		MaxManualAttempts:           3,
	}, nodes, clocks, tracker, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())

	return &syncFixture{service: service, nodes: nodes, tracker: tracker, clocks: clocks}
}

func recurringSync() model.IssueSync {
	return model.IssueSync{
		ActionID:  "action-1",
		UserID:    "wallet1",
		Primary:   self,
		Secondary: cn2,
		SyncType:  model.SyncRecurring,
		Attempt:   1,
	}
}

func (f *syncFixture) counts(t *testing.T) SuccessRate {
	t.Helper()
	rates, err := f.tracker.ComputeRollingSuccessRates(context.Background(), map[string][]string{"wallet1": {cn2}}, 1)
	require.NoError(t, err)
	return rates["wallet1"][cn2]
}

func TestSyncService_CaughtUp(t *testing.T) {
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(5), nil).Once()
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(20), nil)

	result, err := f.service.IssueSync(context.Background(), recurringSync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCaughtUp, result.Outcome)
	assert.Nil(t, result.Retry)

	rate := f.counts(t)
	assert.Equal(t, int64(1), rate.SuccessCount)
	assert.Equal(t, int64(0), rate.FailureCount)
	f.nodes.AssertNotCalled(t, "GetClockValue", mock.Anything, self, mock.Anything)
}

func TestSyncService_SendsSyncRequest(t *testing.T) {
	f := newSyncFixture(t)
	action := recurringSync()
	action.SyncType = model.SyncManual
	action.Immediate = true

	want := model.SyncRequest{
		Wallet:              []string{"wallet1"},
		CreatorNodeEndpoint: self,
		SyncType:            model.SyncManual,
		Immediate:           true,
	}
	f.nodes.On("TriggerSync", mock.Anything, cn2, want).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(20), nil)

	result, err := f.service.IssueSync(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCaughtUp, result.Outcome)
	f.nodes.AssertExpectations(t)
}

func TestSyncService_PartiallyCaughtUp(t *testing.T) {
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(5), nil).Once()
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(12), nil)

	result, err := f.service.IssueSync(context.Background(), recurringSync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePartiallyCaughtUp, result.Outcome)
	require.NotNil(t, result.Retry)
	assert.Equal(t, 2, result.Retry.Attempt)
	assert.Equal(t, "action-1", result.Retry.ActionID)
	assert.Equal(t, int64(1), f.counts(t).SuccessCount)
}

func TestSyncService_FailedToProgress(t *testing.T) {
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(5), nil)

	result, err := f.service.IssueSync(context.Background(), recurringSync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailedToProgress, result.Outcome)
	require.NotNil(t, result.Retry)

	failures, err := f.tracker.GetFailureCountForToday(context.Background(), cn2, "wallet1", model.SyncRecurring)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures)
}

func TestSyncService_UnreachableSecondaryFailsToProgress(t *testing.T) {
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(0), errors.New("timeout"))

	result, err := f.service.IssueSync(context.Background(), recurringSync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailedToProgress, result.Outcome)
}

func TestSyncService_RetryBudgetExhausted(t *testing.T) {
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(5), nil)

	action := recurringSync()
	action.Attempt = 2

	result, err := f.service.IssueSync(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailedToProgress, result.Outcome)
	assert.Nil(t, result.Retry)
}

func TestSyncService_IssueFailed(t *testing.T) {
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).
		Return(apperrors.NodeUnavailable(cn2, errors.New("connection refused")))

	result, err := f.service.IssueSync(context.Background(), recurringSync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeIssueFailed, result.Outcome)
	require.NotNil(t, result.Retry)
	assert.Equal(t, int64(1), f.counts(t).FailureCount)
	f.nodes.AssertNotCalled(t, "GetClockValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncService_PrimaryUnavailable(t *testing.T) {
	f := newSyncFixture(t)
	action := recurringSync()
	action.Primary = cn5

	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn5, "wallet1").Return(int64(0), errors.New("timeout"))

	result, err := f.service.IssueSync(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePrimaryUnavailable, result.Outcome)
	assert.Nil(t, result.Retry)

	// Nothing is recorded against the secondary
	rates, err := f.tracker.ComputeRollingSuccessRates(context.Background(), map[string][]string{"wallet1": {cn2}}, 1)
	require.NoError(t, err)
	assert.Empty(t, rates)
}

func TestSyncService_DailyFailureThreshold(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(20), nil)

	// At the threshold the sync is still issued
	for i := 0; i < 2; i++ {
		require.NoError(t, f.tracker.RecordFailure(ctx, cn2, "wallet1", model.SyncRecurring))
	}
	result, err := f.service.IssueSync(ctx, recurringSync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCaughtUp, result.Outcome)
	f.nodes.AssertNumberOfCalls(t, "TriggerSync", 1)

	// Above it the secondary is left alone
	require.NoError(t, f.tracker.RecordFailure(ctx, cn2, "wallet1", model.SyncRecurring))
	result, err = f.service.IssueSync(ctx, recurringSync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeThresholdMet, result.Outcome)
	assert.Nil(t, result.Retry)
	f.nodes.AssertNumberOfCalls(t, "TriggerSync", 1)

	// Manual syncs are counted separately
	manual := recurringSync()
	manual.SyncType = model.SyncManual
	result, err = f.service.IssueSync(ctx, manual)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCaughtUp, result.Outcome)
}

func TestSyncService_CancelledWhileMonitoring(t *testing.T) {
	f := newSyncFixture(t)
	f.service.cfg.MaxMonitoringDuration = time.Minute
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(5), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.service.IssueSync(ctx, recurringSync())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func forceResync() model.IssueSync {
	action := recurringSync()
	action.SyncType = model.SyncManual
	action.Immediate = true
	action.ForceResync = true
	return action
}

func TestSyncService_ForceResyncLandsOnPrimaryClock(t *testing.T) {
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.MatchedBy(func(r model.SyncRequest) bool {
		return r.ForceResync && r.SyncType == model.SyncManual
	})).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(25), nil).Once()
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(20), nil)

	result, err := f.service.IssueSync(context.Background(), forceResync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCaughtUp, result.Outcome)
	f.nodes.AssertExpectations(t)
}

func TestSyncService_ForceResyncStillAheadFailsToProgress(t *testing.T) {
	f := newSyncFixture(t)
	f.nodes.On("TriggerSync", mock.Anything, cn2, mock.Anything).Return(nil)
	f.nodes.On("GetClockValue", mock.Anything, cn2, "wallet1").Return(int64(25), nil)

	result, err := f.service.IssueSync(context.Background(), forceResync())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailedToProgress, result.Outcome)
	require.NotNil(t, result.Retry)
	assert.True(t, result.Retry.ForceResync)
}
