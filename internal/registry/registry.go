package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source lists every registered node of a service type
type Source interface {
	Fetch(ctx context.Context, serviceType string) ([]model.StorageNode, error)
}

// Snapshot is an immutable endpoint to service-provider ID map
type Snapshot struct {
	nodes     map[string]int64
	FetchedAt time.Time
}

// NewSnapshot builds a snapshot from a node list. Later duplicates win.
func NewSnapshot(nodes []model.StorageNode, fetchedAt time.Time) *Snapshot {
	m := make(map[string]int64, len(nodes))
	for _, n := range nodes {
		if n.Endpoint == "" {
			continue
		}
		m[n.Endpoint] = n.SpID
	}
	return &Snapshot{nodes: m, FetchedAt: fetchedAt}
}

// Lookup returns the service-provider ID of endpoint
func (s *Snapshot) Lookup(endpoint string) (int64, bool) {
	id, ok := s.nodes[endpoint]
	return id, ok
}

// Len returns the number of registered nodes
func (s *Snapshot) Len() int {
	return len(s.nodes)
}

// Nodes returns the registered nodes sorted by endpoint
func (s *Snapshot) Nodes() []model.StorageNode {
	out := make([]model.StorageNode, 0, len(s.nodes))
	for endpoint, id := range s.nodes {
		out = append(out, model.StorageNode{Endpoint: endpoint, SpID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Removed returns endpoints present in s but absent from next, sorted
func (s *Snapshot) Removed(next *Snapshot) []string {
	var removed []string
	for endpoint := range s.nodes {
		if _, ok := next.nodes[endpoint]; !ok {
			removed = append(removed, endpoint)
		}
	}
	sort.Strings(removed)
	return removed
}

// RefreshResult describes a completed registry refresh
type RefreshResult struct {
	Snapshot *Snapshot
	// Removed lists endpoints dropped relative to the previous snapshot
	Removed []string
}

// Registry serves endpoint to service-provider ID lookups from the
// latest successfully fetched snapshot
type Registry struct {
	source      Source
	serviceType string
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	current atomic.Pointer[Snapshot]
	group   singleflight.Group
	mu      sync.Mutex // serializes snapshot replacement
}

// New creates a registry. m may be nil.
func New(source Source, serviceType string, m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		source:      source,
		serviceType: serviceType,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// Refresh fetches the node list and replaces the snapshot. Concurrent
// callers share one fetch. On failure the previous snapshot is kept.
func (r *Registry) Refresh(ctx context.Context) (RefreshResult, error) {
	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return RefreshResult{}, err
	}
	return v.(RefreshResult), nil
}

func (r *Registry) refresh(ctx context.Context) (RefreshResult, error) {
	nodes, err := r.source.Fetch(ctx, r.serviceType)
	if err != nil {
		r.refreshFailed(err)
		return RefreshResult{}, apperrors.RegistryUnavailable("failed to fetch registered nodes", err)
	}

	next := NewSnapshot(nodes, r.now())
	if next.Len() == 0 {
		err := apperrors.RegistryUnavailable(fmt.Sprintf("registry returned no %s nodes", r.serviceType), nil)
		r.refreshFailed(err)
		return RefreshResult{}, err
	}

	r.mu.Lock()
	prev := r.current.Load()
	r.current.Store(next)
	r.mu.Unlock()

	var removed []string
	if prev != nil {
		removed = prev.Removed(next)
	}

	if r.metrics != nil {
		r.metrics.RegistrySize.Set(float64(next.Len()))
	}
	r.logger.Info("Registry refreshed",
		zap.Int("nodes", next.Len()),
		zap.Strings("removed", removed))

	return RefreshResult{Snapshot: next, Removed: removed}, nil
}

func (r *Registry) refreshFailed(err error) {
	if r.metrics != nil {
		r.metrics.RegistryRefreshFailure.Inc()
	}
	fields := []zap.Field{zap.Error(err)}
	if prev := r.current.Load(); prev != nil {
		fields = append(fields, zap.Int("retained_nodes", prev.Len()), zap.Time("retained_fetched_at", prev.FetchedAt))
	}
	r.logger.Error("Registry refresh failed", fields...)
}

// RefreshIfStale refreshes when there is no snapshot or it is older than
// maxAge. refreshed reports whether a fetch was attempted.
func (r *Registry) RefreshIfStale(ctx context.Context, maxAge time.Duration) (result RefreshResult, refreshed bool, err error) {
	snap := r.current.Load()
	if snap != nil && r.now().Sub(snap.FetchedAt) <= maxAge {
		return RefreshResult{Snapshot: snap}, false, nil
	}
	result, err = r.Refresh(ctx)
	return result, true, err
}

// Snapshot returns the current snapshot, or nil before the first successful refresh
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup returns the service-provider ID of endpoint
func (r *Registry) Lookup(endpoint string) (int64, bool) {
	snap := r.current.Load()
	if snap == nil {
		return 0, false
	}
	return snap.Lookup(endpoint)
}

// Nodes returns the currently registered nodes sorted by endpoint
func (r *Registry) Nodes() []model.StorageNode {
	snap := r.current.Load()
	if snap == nil {
		return nil
	}
	return snap.Nodes()
}

// Ready reports whether a snapshot has been loaded
func (r *Registry) Ready() bool {
	return r.current.Load() != nil
}
