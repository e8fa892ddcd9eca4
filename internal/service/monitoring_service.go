package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MonitoringConfig holds state monitoring configuration
type MonitoringConfig struct {
	// Self is this node's endpoint; users whose primary is Self are monitored
	Self                   string
	UsersPerBatch          int
	MaxConcurrency         int
	SlightlyBehindMaxLag   int64
	ModeratelyBehindMaxLag int64
	RegistryMaxAge         time.Duration
	// ClockBatchSize bounds the users of one batch clock request
	ClockBatchSize int
	// ClockFetchRetries is the number of retries of a failed batch clock
	// request before the replica is marked unhealthy for the batch
	ClockFetchRetries int
	ClockRetryDelay   time.Duration
	// ObservationTTL expires remembered clocks of pairs no longer monitored
	ObservationTTL time.Duration
}

var errClockMissing = errors.New("user missing from batch clock response")

// clockSample is the last clock observed for a (user, node) pair
type clockSample struct {
	clock int64
	seen  time.Time
}

// MonitoringService observes the clocks of every replica of a batch of
// users and classifies each secondary. It never mutates replica sets.
type MonitoringService struct {
	cfg         MonitoringConfig
	replicaSets store.ReplicaSetStore
	clocks      store.ClockStore
	nodes       NodeClient
	registry    NodeRegistry
	logger      *zap.Logger
	metrics     *metrics.Metrics

	onRegistryRefresh func(model.RefreshRegistryResult)
	now               func() time.Time

	mu         sync.Mutex
	lastClocks map[model.PairKey]clockSample
	lastPrune  time.Time
}

// NewMonitoringService creates a new monitoring service. clocks may be nil,
// in which case this node's own clock is read over HTTP like any peer.
func NewMonitoringService(
	cfg MonitoringConfig,
	replicaSets store.ReplicaSetStore,
	clocks store.ClockStore,
	nodes NodeClient,
	registry NodeRegistry,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MonitoringService {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.UsersPerBatch <= 0 {
		cfg.UsersPerBatch = 1000
	}
	if cfg.ClockBatchSize <= 0 {
		cfg.ClockBatchSize = 500
	}
	if cfg.ClockFetchRetries < 0 {
		cfg.ClockFetchRetries = 0
	}
	if cfg.ObservationTTL <= 0 {
		cfg.ObservationTTL = 24 * time.Hour
	}
	return &MonitoringService{
		cfg:         cfg,
		replicaSets: replicaSets,
		clocks:      clocks,
		nodes:       nodes,
		registry:    registry,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
		lastClocks:  make(map[model.PairKey]clockSample),
	}
}

// OnRegistryRefresh sets a callback for registry refreshes triggered by
// a stale snapshot during monitoring
func (s *MonitoringService) OnRegistryRefresh(fn func(model.RefreshRegistryResult)) {
	s.onRegistryRefresh = fn
}

// Classify returns the status of a secondary at secondaryClock against
// primaryClock. It is monotonic in the lag. A secondary ahead of the
// primary is Synced; buildReport flags it as diverged.
func (s *MonitoringService) Classify(primaryClock, secondaryClock int64) model.SyncStatus {
	lag := primaryClock - secondaryClock
	switch {
	case lag <= 0:
		return model.Synced
	case lag <= s.cfg.SlightlyBehindMaxLag:
		return model.SlightlyBehind
	case lag <= s.cfg.ModeratelyBehindMaxLag:
		return model.ModeratelyBehind
	default:
		return model.Unsynced
	}
}

// NextBatch returns the next page of users whose primary is this node and
// the offset of the page after it. The cursor wraps to 0 at the end.
func (s *MonitoringService) NextBatch(ctx context.Context, offset int) ([]string, int, error) {
	users, err := s.replicaSets.ListUsersByPrimary(ctx, s.cfg.Self, offset, s.cfg.UsersPerBatch)
	if err != nil {
		return nil, offset, fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) == 0 && offset > 0 {
		return s.NextBatch(ctx, 0)
	}
	if len(users) < s.cfg.UsersPerBatch {
		return users, 0, nil
	}
	return users, offset + len(users), nil
}

// clockObservation is the clock read for one (user, node) pair
type clockObservation struct {
	clock int64
	err   error
}

// MonitorBatch reports the sync state of every user in users that has a
// replica set. Clocks are read with one batch request per replica. Only a
// replica set lookup failure is returned as an error; node failures are
// carried on the reports.
func (s *MonitoringService) MonitorBatch(ctx context.Context, users []string) ([]model.UserSyncReport, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.MonitoringDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if len(users) == 0 {
		return nil, nil
	}

	s.refreshRegistryIfStale(ctx)

	replicaSets, err := s.replicaSets.GetReplicaSets(ctx, users)
	if err != nil {
		return nil, fmt.Errorf("failed to load replica sets: %w", err)
	}

	byReplica := make(map[string][]string)
	for _, userID := range users {
		rs, ok := replicaSets[userID]
		if !ok {
			continue
		}
		for _, node := range rs.Nodes() {
			byReplica[node] = append(byReplica[node], userID)
		}
	}

	var (
		mu       sync.Mutex
		observed = make(map[model.PairKey]clockObservation)
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for endpoint, replicaUsers := range byReplica {
		g.Go(func() error {
			clocks, err := s.replicaClocks(ctx, endpoint, replicaUsers)
			if err != nil {
				s.logger.Warn("Replica unhealthy for monitoring batch",
					zap.String("node", endpoint),
					zap.Int("users", len(replicaUsers)),
					zap.Error(err))
			}

			mu.Lock()
			defer mu.Unlock()
			for _, userID := range replicaUsers {
				key := model.PairKey{UserID: userID, Node: endpoint}
				clock, ok := clocks[userID]
				switch {
				case err != nil:
					observed[key] = clockObservation{err: err}
				case !ok:
					observed[key] = clockObservation{err: errClockMissing}
				default:
					observed[key] = clockObservation{clock: clock}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	reports := make([]model.UserSyncReport, 0, len(replicaSets))
	for _, userID := range users {
		rs, ok := replicaSets[userID]
		if !ok {
			continue
		}
		reports = append(reports, s.buildReport(rs, observed))
	}
	s.pruneObservations()

	if s.metrics != nil {
		s.metrics.MonitoredUsers.Add(float64(len(reports)))
	}
	s.logger.Debug("Monitored batch",
		zap.Int("requested_users", len(users)),
		zap.Int("reported_users", len(reports)),
		zap.Int("replicas", len(byReplica)),
		zap.Duration("duration", time.Since(start)))

	return reports, nil
}

// replicaClocks reads the clocks of users on one replica, ClockBatchSize
// users per request. A request that fails every retry fails the whole
// replica and no further requests are sent to it.
func (s *MonitoringService) replicaClocks(ctx context.Context, endpoint string, users []string) (map[string]int64, error) {
	clocks := make(map[string]int64, len(users))
	for start := 0; start < len(users); start += s.cfg.ClockBatchSize {
		end := min(start+s.cfg.ClockBatchSize, len(users))
		batch, err := s.batchWithRetry(ctx, endpoint, users[start:end])
		if err != nil {
			if s.metrics != nil {
				s.metrics.ClockBatchFailures.WithLabelValues(endpoint).Inc()
			}
			return nil, err
		}
		maps.Copy(clocks, batch)
	}
	return clocks, nil
}

func (s *MonitoringService) batchWithRetry(ctx context.Context, endpoint string, users []string) (map[string]int64, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.ClockFetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.ClockRetryDelay):
			}
		}

		clocks, err := s.batchClocks(ctx, endpoint, users)
		if err == nil {
			return clocks, nil
		}
		lastErr = err
		s.logger.Debug("Batch clock request failed",
			zap.String("node", endpoint),
			zap.Int("users", len(users)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

func (s *MonitoringService) refreshRegistryIfStale(ctx context.Context) {
	if s.registry == nil {
		return
	}
	result, refreshed, err := s.registry.RefreshIfStale(ctx, s.cfg.RegistryMaxAge)
	if !refreshed {
		return
	}
	if err != nil {
		s.logger.Warn("Stale registry refresh failed, monitoring with previous snapshot", zap.Error(err))
	}
	if s.onRegistryRefresh != nil {
		s.onRegistryRefresh(refreshResultToModel(result, err))
	}
}

// batchClocks reads this node's clocks locally and peers over HTTP
func (s *MonitoringService) batchClocks(ctx context.Context, endpoint string, users []string) (map[string]int64, error) {
	if endpoint == s.cfg.Self && s.clocks != nil {
		return s.clocks.GetCurrentClocks(ctx, users)
	}
	return s.nodes.GetClockValues(ctx, endpoint, users)
}

func (s *MonitoringService) buildReport(rs model.ReplicaSet, observed map[model.PairKey]clockObservation) model.UserSyncReport {
	primary := observed[model.PairKey{UserID: rs.UserID, Node: rs.Primary}]
	report := model.UserSyncReport{
		UserID:           rs.UserID,
		Primary:          rs.Primary,
		PrimaryClock:     model.NoClock,
		PrimaryAvailable: primary.err == nil,
		Secondaries:      make([]model.ReplicaReport, 0, len(rs.Secondaries)),
	}

	if primary.err != nil {
		report.PrimaryError = primary.err.Error()
		s.nodeUnavailable(rs.UserID, rs.Primary, primary.err)
	} else {
		report.PrimaryClock = primary.clock
		report.PrimaryRegressed = s.observe(rs.UserID, rs.Primary, primary.clock, model.RolePrimary)
	}

	for _, secondary := range rs.Secondaries {
		obs := observed[model.PairKey{UserID: rs.UserID, Node: secondary}]
		replica := model.ReplicaReport{
			Endpoint:  secondary,
			Clock:     model.NoClock,
			Available: obs.err == nil,
		}

		if obs.err != nil {
			replica.Error = obs.err.Error()
			s.nodeUnavailable(rs.UserID, secondary, obs.err)
		} else {
			replica.Clock = obs.clock
			replica.Regressed = s.observe(rs.UserID, secondary, obs.clock, model.RoleSecondary)
		}

		switch {
		case !report.PrimaryAvailable:
			replica.Status = model.PrimaryClockUnavailable
		case !replica.Available, replica.Regressed:
			replica.Status = model.Unsynced
		default:
			replica.Status = s.Classify(report.PrimaryClock, replica.Clock)
			if replica.Clock > report.PrimaryClock {
				replica.Diverged = true
				s.diverged(rs, secondary, replica.Clock, report.PrimaryClock)
			}
		}

		if s.metrics != nil {
			s.metrics.SyncStatusTotal.WithLabelValues(replica.Status.String()).Inc()
		}
		report.Secondaries = append(report.Secondaries, replica)
	}

	return report
}

// observe stores clock as the latest observation for (user, node) and
// reports whether it is lower than the previous one
func (s *MonitoringService) observe(userID, node string, clock int64, role model.ReplicaRole) bool {
	key := model.PairKey{UserID: userID, Node: node}

	s.mu.Lock()
	prev, seen := s.lastClocks[key]
	s.lastClocks[key] = clockSample{clock: clock, seen: s.now()}
	s.mu.Unlock()

	if !seen || clock >= prev.clock {
		return false
	}

	s.logger.Warn("Clock regression detected",
		zap.String("user_id", userID),
		zap.String("node", node),
		zap.String("role", string(role)),
		zap.Int64("previous_clock", prev.clock),
		zap.Int64("clock", clock))
	if s.metrics != nil {
		s.metrics.ClockRegressions.WithLabelValues(string(role)).Inc()
	}
	return true
}

func (s *MonitoringService) nodeUnavailable(userID, node string, err error) {
	s.logger.Debug("Clock request failed",
		zap.String("user_id", userID),
		zap.String("node", node),
		zap.Error(err))
	if s.metrics != nil {
		s.metrics.NodeUnavailableTotal.WithLabelValues(node).Inc()
	}
}

func (s *MonitoringService) diverged(rs model.ReplicaSet, secondary string, clock, primaryClock int64) {
	s.logger.Warn("Secondary clock ahead of primary",
		zap.String("user_id", rs.UserID),
		zap.String("primary", rs.Primary),
		zap.String("secondary", secondary),
		zap.Int64("primary_clock", primaryClock),
		zap.Int64("clock", clock))
	if s.metrics != nil {
		s.metrics.ClockDivergences.Inc()
	}
}

// pruneObservations forgets clocks not observed within ObservationTTL, at
// most once per quarter ObservationTTL
func (s *MonitoringService) pruneObservations() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastPrune) < s.cfg.ObservationTTL/4 {
		return
	}
	s.lastPrune = now
	for key, sample := range s.lastClocks {
		if now.Sub(sample.seen) > s.cfg.ObservationTTL {
			delete(s.lastClocks, key)
		}
	}
}
