package service

import (
	"context"
	"time"

	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SyncConfig holds sync job configuration
type SyncConfig struct {
	Self                        string
	DailyFailureThreshold       int64
	PollInterval                time.Duration
	MaxMonitoringDuration       time.Duration
	MaxManualMonitoringDuration time.Duration
	MaxRecurringAttempts        int
	MaxManualAttempts           int
	RequestsPerSecond           float64
	Burst                       int
}

// SyncService issues sync requests to secondaries and waits for them to
// catch up with the primary
type SyncService struct {
	cfg     SyncConfig
	nodes   NodeClient
	clocks  store.ClockStore
	tracker *SyncHealthTracker
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewSyncService creates a new sync service. clocks may be nil when this
// node never acts as a primary. m may be nil.
func NewSyncService(
	cfg SyncConfig,
	nodes NodeClient,
	clocks store.ClockStore,
	tracker *SyncHealthTracker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SyncService {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &SyncService{
		cfg:     cfg,
		nodes:   nodes,
		clocks:  clocks,
		tracker: tracker,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
		metrics: m,
	}
}

// IssueSync runs one sync attempt. The returned error is reserved for
// cancellation; sync failures are reported as outcomes.
func (s *SyncService) IssueSync(ctx context.Context, action model.IssueSync) (model.IssueSyncResult, error) {
	start := time.Now()
	logger := s.logger.With(
		zap.String("action_id", action.ActionID),
		zap.String("user_id", action.UserID),
		zap.String("primary", action.Primary),
		zap.String("secondary", action.Secondary),
		zap.String("sync_type", string(action.SyncType)),
		zap.Int("attempt", action.Attempt))

	result, err := s.issue(ctx, action, logger)
	if err != nil {
		return result, err
	}

	if s.metrics != nil {
		s.metrics.SyncOutcomes.WithLabelValues(string(action.SyncType), result.Outcome).Inc()
		s.metrics.SyncDuration.WithLabelValues(string(action.SyncType)).Observe(time.Since(start).Seconds())
	}
	return result, nil
}

func (s *SyncService) issue(ctx context.Context, action model.IssueSync, logger *zap.Logger) (model.IssueSyncResult, error) {
	failures, err := s.tracker.GetFailureCountForToday(ctx, action.Secondary, action.UserID, action.SyncType)
	if err != nil {
		logger.Warn("Failed to read today's sync failures, issuing anyway", zap.Error(err))
	} else if failures > s.cfg.DailyFailureThreshold {
		logger.Info("Secondary met the daily sync failure threshold, not issuing",
			zap.Int64("failures_today", failures),
			zap.Int64("threshold", s.cfg.DailyFailureThreshold))
		return model.IssueSyncResult{Outcome: model.OutcomeThresholdMet}, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return model.IssueSyncResult{}, err
	}

	request := model.SyncRequest{
		Wallet:              []string{action.UserID},
		CreatorNodeEndpoint: action.Primary,
		SyncType:            action.SyncType,
		Immediate:           action.Immediate,
		ForceResync:         action.ForceResync,
	}
	if err := s.nodes.TriggerSync(ctx, action.Secondary, request); err != nil {
		logger.Warn("Failed to issue sync request", zap.Error(err))
		s.recordFailure(ctx, action, logger)
		return s.withRetry(model.OutcomeIssueFailed, action), nil
	}

	primaryClock, err := s.primaryClock(ctx, action)
	if err != nil {
		logger.Warn("Primary clock unavailable, cannot monitor sync", zap.Error(err))
		return model.IssueSyncResult{Outcome: model.OutcomePrimaryUnavailable}, nil
	}

	caughtUp, initial, final, err := s.monitor(ctx, action, primaryClock)
	if err != nil {
		return model.IssueSyncResult{}, err
	}

	switch {
	case caughtUp:
		s.recordSuccess(ctx, action, logger)
		logger.Info("Secondary caught up", zap.Int64("primary_clock", primaryClock))
		return model.IssueSyncResult{Outcome: model.OutcomeCaughtUp}, nil
	case progressed(action, initial, final):
		s.recordSuccess(ctx, action, logger)
		logger.Info("Secondary partially caught up",
			zap.Int64("primary_clock", primaryClock),
			zap.Int64("from_clock", initial),
			zap.Int64("to_clock", final))
		return s.withRetry(model.OutcomePartiallyCaughtUp, action), nil
	default:
		s.recordFailure(ctx, action, logger)
		logger.Warn("Secondary failed to progress",
			zap.Int64("primary_clock", primaryClock),
			zap.Int64("clock", initial))
		return s.withRetry(model.OutcomeFailedToProgress, action), nil
	}
}

// progressed reports whether the secondary clock moved toward the primary.
// A force resync starts ahead of the primary and moves down.
func progressed(action model.IssueSync, initial, final int64) bool {
	if action.ForceResync {
		return final != initial
	}
	return final > initial
}

// reachedPrimary reports whether clock matches primaryClock. A force resync
// must land exactly on the primary clock.
func reachedPrimary(action model.IssueSync, clock, primaryClock int64) bool {
	if action.ForceResync {
		return clock == primaryClock
	}
	return clock >= primaryClock
}

// monitor polls the secondary clock until it reaches primaryClock or the
// monitoring window closes. initial is the first observed clock.
func (s *SyncService) monitor(ctx context.Context, action model.IssueSync, primaryClock int64) (caughtUp bool, initial, final int64, err error) {
	window := s.cfg.MaxMonitoringDuration
	if action.SyncType == model.SyncManual {
		window = s.cfg.MaxManualMonitoringDuration
	}
	deadline := time.Now().Add(window)

	initial, final = model.NoClock, model.NoClock
	observed := false

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		clock, err := s.nodes.GetClockValue(ctx, action.Secondary, action.UserID)
		if err == nil {
			if !observed {
				initial = clock
				observed = true
			}
			final = clock
			if reachedPrimary(action, clock, primaryClock) {
				return true, initial, final, nil
			}
		} else {
			s.logger.Debug("Failed to poll secondary clock",
				zap.String("secondary", action.Secondary),
				zap.String("user_id", action.UserID),
				zap.Error(err))
		}

		if !time.Now().Before(deadline) {
			return false, initial, final, nil
		}

		select {
		case <-ctx.Done():
			return false, initial, final, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *SyncService) primaryClock(ctx context.Context, action model.IssueSync) (int64, error) {
	if action.Primary == s.cfg.Self && s.clocks != nil {
		return s.clocks.GetCurrentClock(ctx, action.UserID)
	}
	return s.nodes.GetClockValue(ctx, action.Primary, action.UserID)
}

// withRetry attaches the next attempt when the attempt budget allows
func (s *SyncService) withRetry(outcome string, action model.IssueSync) model.IssueSyncResult {
	result := model.IssueSyncResult{Outcome: outcome}

	budget := s.cfg.MaxRecurringAttempts
	if action.SyncType == model.SyncManual {
		budget = s.cfg.MaxManualAttempts
	}
	if action.Attempt < budget {
		next := action
		next.Attempt++
		result.Retry = &next
	}
	return result
}

func (s *SyncService) recordSuccess(ctx context.Context, action model.IssueSync, logger *zap.Logger) {
	if err := s.tracker.RecordSuccess(ctx, action.Secondary, action.UserID, action.SyncType); err != nil {
		logger.Warn("Failed to record sync success", zap.Error(err))
	}
}

func (s *SyncService) recordFailure(ctx context.Context, action model.IssueSync, logger *zap.Logger) {
	if err := s.tracker.RecordFailure(ctx, action.Secondary, action.UserID, action.SyncType); err != nil {
		logger.Warn("Failed to record sync failure", zap.Error(err))
	}
}
