package service

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/registry"
	"github.com/devrev/snapback/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	self = "http://cn1.example.com"
	cn2  = "http://cn2.example.com"
	cn3  = "http://cn3.example.com"
	cn4  = "http://cn4.example.com"
	cn5  = "http://cn5.example.com"
)

func testMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		Self:                   self,
		UsersPerBatch:          2,
		MaxConcurrency:         4,
		SlightlyBehindMaxLag:   10,
		ModeratelyBehindMaxLag: 100,
		ClockBatchSize:         2,
		ClockFetchRetries:      1,
		ClockRetryDelay:        time.Millisecond,
	}
}

// appendClocks writes clock records 0..upTo for user
func appendClocks(t *testing.T, clocks *store.InMemoryClockStore, userID string, upTo int64) {
	t.Helper()
	current, err := clocks.GetCurrentClock(context.Background(), userID)
	require.NoError(t, err)
	for c := current + 1; c <= upTo; c++ {
		require.NoError(t, clocks.AppendRecord(context.Background(), userID, c, "files"))
	}
}

func TestMonitoringService_Classify(t *testing.T) {
	s := NewMonitoringService(testMonitoringConfig(), nil, nil, nil, nil, nil, zap.NewNop())

	tests := []struct {
		primary, secondary int64
		want               model.SyncStatus
	}{
		{50, 50, model.Synced},
		{50, 60, model.Synced},
		{-1, -1, model.Synced},
		{50, 49, model.SlightlyBehind},
		{50, 40, model.SlightlyBehind},
		{50, 39, model.ModeratelyBehind},
		{150, 50, model.ModeratelyBehind},
		{151, 50, model.Unsynced},
		{5000, -1, model.Unsynced},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Classify(tt.primary, tt.secondary), "primary=%d secondary=%d", tt.primary, tt.secondary)
	}
}

func TestMonitoringService_ClassifyIsMonotonicInLag(t *testing.T) {
	s := NewMonitoringService(testMonitoringConfig(), nil, nil, nil, nil, nil, zap.NewNop())

	const primary = int64(1000)
	prev := s.Classify(primary, primary)
	for lag := int64(1); lag <= 500; lag++ {
		status := s.Classify(primary, primary-lag)
		assert.GreaterOrEqual(t, status.Severity(), prev.Severity(), "lag %d", lag)
		prev = status
	}
}

func TestMonitoringService_MonitorBatch(t *testing.T) {
	ctx := context.Background()
	clocks := store.NewInMemoryClockStore()
	appendClocks(t, clocks, "wallet1", 50)
	appendClocks(t, clocks, "wallet2", 10)

	replicaSets := store.NewInMemoryReplicaSetStore(
		model.ReplicaSet{UserID: "wallet1", Primary: self, Secondaries: []string{cn2, cn3}},
		model.ReplicaSet{UserID: "wallet2", Primary: self, Secondaries: []string{cn2, cn4}},
	)

	nodes := new(MockNodeClient)
	nodes.On("GetClockValues", mock.Anything, cn2, []string{"wallet1", "wallet2"}).
		Return(map[string]int64{"wallet1": 45, "wallet2": 10}, nil).Once()
	nodes.On("GetClockValues", mock.Anything, cn3, []string{"wallet1"}).
		Return(nil, apperrors.NodeUnavailable(cn3, errors.New("connection refused")))
	nodes.On("GetClockValues", mock.Anything, cn4, []string{"wallet2"}).
		Return(map[string]int64{"wallet2": -1}, nil).Once()

	s := NewMonitoringService(testMonitoringConfig(), replicaSets, clocks, nodes, nil,
		metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())

	reports, err := s.MonitorBatch(ctx, []string{"wallet1", "wallet2", "no-replica-set"})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	w1 := reports[0]
	assert.Equal(t, "wallet1", w1.UserID)
	assert.True(t, w1.PrimaryAvailable)
	assert.Equal(t, int64(50), w1.PrimaryClock)
	require.Len(t, w1.Secondaries, 2)
	assert.Equal(t, model.SlightlyBehind, w1.Secondaries[0].Status)
	assert.Equal(t, int64(45), w1.Secondaries[0].Clock)
	assert.Equal(t, model.Unsynced, w1.Secondaries[1].Status)
	assert.False(t, w1.Secondaries[1].Available)
	assert.Contains(t, w1.Secondaries[1].Error, "connection refused")

	w2 := reports[1]
	assert.Equal(t, model.Synced, w2.Secondaries[0].Status)
	assert.Equal(t, model.ModeratelyBehind, w2.Secondaries[1].Status)

	// One request per replica; the failing replica is retried once and the
	// local primary clock is read from the store, never over HTTP
	nodes.AssertNumberOfCalls(t, "GetClockValues", 4)
	nodes.AssertNotCalled(t, "GetClockValues", mock.Anything, self, mock.Anything)
	nodes.AssertNotCalled(t, "GetClockValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestMonitoringService_BatchesClockRequestsPerReplica(t *testing.T) {
	ctx := context.Background()
	clocks := store.NewInMemoryClockStore()
	users := []string{"wallet1", "wallet2", "wallet3", "wallet4", "wallet5"}
	var sets []model.ReplicaSet
	for _, u := range users {
		appendClocks(t, clocks, u, 10)
		sets = append(sets, model.ReplicaSet{UserID: u, Primary: self, Secondaries: []string{cn2, cn3}})
	}

	nodes := new(MockNodeClient)
	all := map[string]int64{"wallet1": 10, "wallet2": 10, "wallet3": 10, "wallet4": 10, "wallet5": 10}
	nodes.On("GetClockValues", mock.Anything, cn2, mock.Anything).Return(all, nil)
	// cn3 answers its first slice, then fails every attempt of its second
	nodes.On("GetClockValues", mock.Anything, cn3, []string{"wallet1", "wallet2"}).Return(all, nil)
	nodes.On("GetClockValues", mock.Anything, cn3, []string{"wallet3", "wallet4"}).
		Return(nil, apperrors.NodeUnavailable(cn3, errors.New("timeout")))

	reg := prometheus.NewRegistry()
	s := NewMonitoringService(testMonitoringConfig(), store.NewInMemoryReplicaSetStore(sets...), clocks, nodes, nil, metrics.NewMetrics(reg), zap.NewNop())

	reports, err := s.MonitorBatch(ctx, users)
	require.NoError(t, err)
	require.Len(t, reports, 5)

	for _, r := range reports {
		require.Len(t, r.Secondaries, 2)
		assert.Equal(t, model.Synced, r.Secondaries[0].Status, r.UserID)
		assert.True(t, r.Secondaries[0].Available, r.UserID)

		// Every user on cn3 is unavailable once one slice exhausted its retries
		assert.False(t, r.Secondaries[1].Available, r.UserID)
		assert.Equal(t, model.Unsynced, r.Secondaries[1].Status, r.UserID)
	}

	// cn2: three slices of at most two users. cn3: one success, two
	// attempts at the failing slice, and nothing for the last slice.
	calls := map[string]int{}
	for _, c := range nodes.Calls {
		if c.Method == "GetClockValues" {
			calls[c.Arguments.String(1)]++
			assert.LessOrEqual(t, len(c.Arguments.Get(2).([]string)), 2)
		}
	}
	assert.Equal(t, 3, calls[cn2])
	assert.Equal(t, 3, calls[cn3])
	nodes.AssertNotCalled(t, "GetClockValues", mock.Anything, cn3, []string{"wallet5"})
	assert.Equal(t, float64(1), counterValue(t, reg, "snapback_clock_batch_failures_total"))
}

func TestMonitoringService_UserMissingFromBatchResponse(t *testing.T) {
	clocks := store.NewInMemoryClockStore()
	appendClocks(t, clocks, "wallet1", 10)
	appendClocks(t, clocks, "wallet2", 10)
	replicaSets := store.NewInMemoryReplicaSetStore(
		model.ReplicaSet{UserID: "wallet1", Primary: self, Secondaries: []string{cn2}},
		model.ReplicaSet{UserID: "wallet2", Primary: self, Secondaries: []string{cn2}},
	)
	nodes := new(MockNodeClient)
	nodes.On("GetClockValues", mock.Anything, cn2, []string{"wallet1", "wallet2"}).Return(map[string]int64{"wallet1": 10}, nil)

	s := NewMonitoringService(testMonitoringConfig(), replicaSets, clocks, nodes, nil, nil, zap.NewNop())
	reports, err := s.MonitorBatch(context.Background(), []string{"wallet1", "wallet2"})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.True(t, reports[0].Secondaries[0].Available)
	assert.False(t, reports[1].Secondaries[0].Available)
	assert.Equal(t, errClockMissing.Error(), reports[1].Secondaries[0].Error)
}

func TestMonitoringService_FlagsSecondaryAheadOfPrimary(t *testing.T) {
	clocks := store.NewInMemoryClockStore()
	appendClocks(t, clocks, "wallet1", 50)
	replicaSets := store.NewInMemoryReplicaSetStore(
		model.ReplicaSet{UserID: "wallet1", Primary: self, Secondaries: []string{cn2, cn3}},
	)
	nodes := new(MockNodeClient)
	nodes.On("GetClockValues", mock.Anything, cn2, []string{"wallet1"}).Return(map[string]int64{"wallet1": 60}, nil)
	nodes.On("GetClockValues", mock.Anything, cn3, []string{"wallet1"}).Return(map[string]int64{"wallet1": 50}, nil)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	s := NewMonitoringService(testMonitoringConfig(), replicaSets, clocks, nodes, nil, m, zap.NewNop())

	reports, err := s.MonitorBatch(context.Background(), []string{"wallet1"})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	ahead, level := reports[0].Secondaries[0], reports[0].Secondaries[1]
	assert.Equal(t, model.Synced, ahead.Status)
	assert.True(t, ahead.Diverged)
	assert.Equal(t, model.Synced, level.Status)
	assert.False(t, level.Diverged)
	assert.Equal(t, float64(1), counterValue(t, reg, "snapback_clock_divergences_total"))
}

func TestMonitoringService_PrunesStaleObservations(t *testing.T) {
	ctx := context.Background()
	clocks := store.NewInMemoryClockStore()
	appendClocks(t, clocks, "wallet1", 10)
	appendClocks(t, clocks, "wallet2", 10)
	replicaSets := store.NewInMemoryReplicaSetStore(
		model.ReplicaSet{UserID: "wallet1", Primary: self, Secondaries: []string{cn2}},
		model.ReplicaSet{UserID: "wallet2", Primary: self, Secondaries: []string{cn2}},
	)
	nodes := new(MockNodeClient)
	nodes.On("GetClockValues", mock.Anything, cn2, mock.Anything).Return(map[string]int64{"wallet1": 10, "wallet2": 10}, nil)

	cfg := testMonitoringConfig()
	cfg.ObservationTTL = time.Hour
	s := NewMonitoringService(cfg, replicaSets, clocks, nodes, nil, nil, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.MonitorBatch(ctx, []string{"wallet1"})
	require.NoError(t, err)
	assert.Len(t, s.lastClocks, 2)

	now = now.Add(2 * time.Hour)
	_, err = s.MonitorBatch(ctx, []string{"wallet2"})
	require.NoError(t, err)

	assert.Len(t, s.lastClocks, 2)
	assert.NotContains(t, s.lastClocks, model.PairKey{UserID: "wallet1", Node: cn2})
	assert.Contains(t, s.lastClocks, model.PairKey{UserID: "wallet2", Node: cn2})
}

func TestMonitoringService_PrimaryUnavailable(t *testing.T) {
	replicaSets := store.NewInMemoryReplicaSetStore(
		model.ReplicaSet{UserID: "wallet1", Primary: cn5, Secondaries: []string{cn2, cn3}},
	)
	nodes := new(MockNodeClient)
	nodes.On("GetClockValues", mock.Anything, cn5, []string{"wallet1"}).Return(nil, errors.New("timeout"))
	nodes.On("GetClockValues", mock.Anything, cn2, []string{"wallet1"}).Return(map[string]int64{"wallet1": 3}, nil)
	nodes.On("GetClockValues", mock.Anything, cn3, []string{"wallet1"}).Return(map[string]int64{"wallet1": 4}, nil)

	s := NewMonitoringService(testMonitoringConfig(), replicaSets, nil, nodes, nil, nil, zap.NewNop())

	reports, err := s.MonitorBatch(context.Background(), []string{"wallet1"})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	assert.False(t, reports[0].PrimaryAvailable)
	assert.Equal(t, model.NoClock, reports[0].PrimaryClock)
	for _, sec := range reports[0].Secondaries {
		assert.Equal(t, model.PrimaryClockUnavailable, sec.Status)
		assert.True(t, sec.Available)
	}
}

func TestMonitoringService_DetectsRegression(t *testing.T) {
	ctx := context.Background()
	clocks := store.NewInMemoryClockStore()
	appendClocks(t, clocks, "wallet1", 20)
	replicaSets := store.NewInMemoryReplicaSetStore(
		model.ReplicaSet{UserID: "wallet1", Primary: self, Secondaries: []string{cn2}},
	)

	nodes := new(MockNodeClient)
	nodes.On("GetClockValues", mock.Anything, cn2, []string{"wallet1"}).Return(map[string]int64{"wallet1": 19}, nil).Once()
	nodes.On("GetClockValues", mock.Anything, cn2, []string{"wallet1"}).Return(map[string]int64{"wallet1": 12}, nil).Once()

	s := NewMonitoringService(testMonitoringConfig(), replicaSets, clocks, nodes, nil, nil, zap.NewNop())

	first, err := s.MonitorBatch(ctx, []string{"wallet1"})
	require.NoError(t, err)
	assert.Equal(t, model.SlightlyBehind, first[0].Secondaries[0].Status)
	assert.False(t, first[0].Secondaries[0].Regressed)

	second, err := s.MonitorBatch(ctx, []string{"wallet1"})
	require.NoError(t, err)
	assert.True(t, second[0].Secondaries[0].Regressed)
	assert.Equal(t, model.Unsynced, second[0].Secondaries[0].Status)
}

func TestMonitoringService_ReplicaSetStoreError(t *testing.T) {
	replicaSets := new(mockReplicaSetStore)
	replicaSets.On("GetReplicaSets", mock.Anything, []string{"wallet1"}).Return(nil, errors.New("db down"))

	s := NewMonitoringService(testMonitoringConfig(), replicaSets, nil, new(MockNodeClient), nil, nil, zap.NewNop())
	_, err := s.MonitorBatch(context.Background(), []string{"wallet1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestMonitoringService_RefreshesStaleRegistry(t *testing.T) {
	replicaSets := store.NewInMemoryReplicaSetStore()
	reg := new(MockNodeRegistry)
	reg.On("RefreshIfStale", mock.Anything, mock.Anything).
		Return(registry.RefreshResult{}, true, apperrors.RegistryUnavailable("no nodes", nil))

	s := NewMonitoringService(testMonitoringConfig(), replicaSets, nil, new(MockNodeClient), reg, nil, zap.NewNop())
	var got []model.RefreshRegistryResult
	s.OnRegistryRefresh(func(r model.RefreshRegistryResult) { got = append(got, r) })

	_, err := s.MonitorBatch(context.Background(), []string{"wallet1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].ErrorMessage, "no nodes")
}

func TestMonitoringService_NextBatchWraps(t *testing.T) {
	ctx := context.Background()
	replicaSets := store.NewInMemoryReplicaSetStore(
		model.ReplicaSet{UserID: "a", Primary: self},
		model.ReplicaSet{UserID: "b", Primary: self},
		model.ReplicaSet{UserID: "c", Primary: self},
		model.ReplicaSet{UserID: "d", Primary: cn2},
	)
	s := NewMonitoringService(testMonitoringConfig(), replicaSets, nil, nil, nil, nil, zap.NewNop())

	users, next, err := s.NextBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, users)
	assert.Equal(t, 2, next)

	users, next, err = s.NextBatch(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, users)
	assert.Equal(t, 0, next)

	users, _, err = s.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, users)
}

// counterValue sums the counter family name gathered from reg
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

// mockReplicaSetStore is a mock implementation of store.ReplicaSetStore
type mockReplicaSetStore struct {
	mock.Mock
}

func (m *mockReplicaSetStore) GetReplicaSets(ctx context.Context, userIDs []string) (map[string]model.ReplicaSet, error) {
	args := m.Called(ctx, userIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]model.ReplicaSet), args.Error(1)
}

func (m *mockReplicaSetStore) ListUsersByPrimary(ctx context.Context, primary string, offset, limit int) ([]string, error) {
	args := m.Called(ctx, primary, offset, limit)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockReplicaSetStore) UpdateReplicaSet(ctx context.Context, rs model.ReplicaSet, expectedVersion int64) (model.ReplicaSet, error) {
	args := m.Called(ctx, rs, expectedVersion)
	return args.Get(0).(model.ReplicaSet), args.Error(1)
}

func (m *mockReplicaSetStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockReplicaSetStore) Close() {}
