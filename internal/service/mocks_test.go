package service

import (
	"context"
	"time"

	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/registry"
	"github.com/stretchr/testify/mock"
)

// MockCounterStore is a mock implementation of store.CounterStore
type MockCounterStore struct {
	mock.Mock
}

func (m *MockCounterStore) Increment(ctx context.Context, key string, amount int64) error {
	args := m.Called(ctx, key, amount)
	return args.Error(0)
}

func (m *MockCounterStore) Sum(ctx context.Context, keys []string) (int64, error) {
	args := m.Called(ctx, keys)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCounterStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCounterStore) Close() error {
	return nil
}

// MockNodeClient is a mock implementation of NodeClient
type MockNodeClient struct {
	mock.Mock
}

func (m *MockNodeClient) GetClockValue(ctx context.Context, endpoint, userID string) (int64, error) {
	args := m.Called(ctx, endpoint, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockNodeClient) GetClockValues(ctx context.Context, endpoint string, userIDs []string) (map[string]int64, error) {
	args := m.Called(ctx, endpoint, userIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

func (m *MockNodeClient) TriggerSync(ctx context.Context, endpoint string, request model.SyncRequest) error {
	args := m.Called(ctx, endpoint, request)
	return args.Error(0)
}

// MockNodeRegistry is a mock implementation of NodeRegistry
type MockNodeRegistry struct {
	mock.Mock
}

func (m *MockNodeRegistry) Lookup(endpoint string) (int64, bool) {
	args := m.Called(endpoint)
	return args.Get(0).(int64), args.Bool(1)
}

func (m *MockNodeRegistry) Nodes() []model.StorageNode {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]model.StorageNode)
}

func (m *MockNodeRegistry) Refresh(ctx context.Context) (registry.RefreshResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(registry.RefreshResult), args.Error(1)
}

func (m *MockNodeRegistry) RefreshIfStale(ctx context.Context, maxAge time.Duration) (registry.RefreshResult, bool, error) {
	args := m.Called(ctx, maxAge)
	return args.Get(0).(registry.RefreshResult), args.Bool(1), args.Error(2)
}

// MockSuccessRateSource is a mock implementation of SuccessRateSource
type MockSuccessRateSource struct {
	mock.Mock
}

func (m *MockSuccessRateSource) ComputeSuccessRates(ctx context.Context, usersToSecondaries map[string][]string) (map[string]map[string]SuccessRate, error) {
	args := m.Called(ctx, usersToSecondaries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]map[string]SuccessRate), args.Error(1)
}

// staticRegistry is a NodeRegistry over a fixed node list
type staticRegistry struct {
	nodes []model.StorageNode
}

func newStaticRegistry(endpoints ...string) *staticRegistry {
	r := &staticRegistry{}
	for i, e := range endpoints {
		r.nodes = append(r.nodes, model.StorageNode{Endpoint: e, SpID: int64(i + 1), ServiceType: "content-node"})
	}
	return r
}

func (r *staticRegistry) Lookup(endpoint string) (int64, bool) {
	for _, n := range r.nodes {
		if n.Endpoint == endpoint {
			return n.SpID, true
		}
	}
	return 0, false
}

func (r *staticRegistry) Nodes() []model.StorageNode {
	return append([]model.StorageNode(nil), r.nodes...)
}

func (r *staticRegistry) Refresh(ctx context.Context) (registry.RefreshResult, error) {
	return registry.RefreshResult{Snapshot: registry.NewSnapshot(r.nodes, time.Now())}, nil
}

func (r *staticRegistry) RefreshIfStale(ctx context.Context, maxAge time.Duration) (registry.RefreshResult, bool, error) {
	return registry.RefreshResult{}, false, nil
}
