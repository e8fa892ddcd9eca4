package service

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// supersededRetention bounds how long ignored action IDs are remembered
const supersededRetention = 24 * time.Hour

// ReconciliationConfig holds state reconciliation configuration
type ReconciliationConfig struct {
	MinUnsyncedCycles  int
	MinSuccessRate     float64
	RecentlyRemovedTTL time.Duration
	// StreakTTL expires unsynced streaks not extended by a scheduled cycle
	StreakTTL time.Duration
}

// streak counts consecutive scheduled cycles a pair was unsynced
type streak struct {
	count int
	seen  time.Time
}

// ReconciliationService turns sync reports into corrective actions and
// keeps at most one outstanding action per (user, node)
type ReconciliationService struct {
	cfg      ReconciliationConfig
	rates    SuccessRateSource
	modes    ModeGate
	registry NodeRegistry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string

	mu              sync.Mutex
	streaks         map[model.PairKey]streak
	lastPrune       time.Time
	pending         map[model.PairKey]string
	actions         map[string]model.Action
	superseded      map[string]time.Time
	recentlyRemoved map[model.PairKey]time.Time
}

// NewReconciliationService creates a new reconciliation service. m may be nil.
func NewReconciliationService(
	cfg ReconciliationConfig,
	rates SuccessRateSource,
	modes ModeGate,
	registry NodeRegistry,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReconciliationService {
	if cfg.MinUnsyncedCycles <= 0 {
		cfg.MinUnsyncedCycles = 1
	}
	if cfg.StreakTTL <= 0 {
		cfg.StreakTTL = 24 * time.Hour
	}
	return &ReconciliationService{
		cfg:             cfg,
		rates:           rates,
		modes:           modes,
		registry:        registry,
		logger:          logger,
		metrics:         m,
		now:             time.Now,
		newID:           uuid.NewString,
		streaks:         make(map[model.PairKey]streak),
		pending:         make(map[model.PairKey]string),
		actions:         make(map[string]model.Action),
		superseded:      make(map[string]time.Time),
		recentlyRemoved: make(map[model.PairKey]time.Time),
	}
}

// userPlan is the per-user outcome of the classification pass
type userPlan struct {
	report           model.UserSyncReport
	syncs            []model.IssueSync
	primaryCandidate bool
	sustained        []model.ReplicaReport
}

// Reconcile returns the actions for a batch of reports from a scheduled
// monitoring cycle. Every returned action is registered as pending until
// Complete or Release is called.
func (s *ReconciliationService) Reconcile(ctx context.Context, reports []model.UserSyncReport) []model.Action {
	return s.reconcile(ctx, reports, true)
}

// ReconcileOnDemand is Reconcile for reports of an on-demand check. Such
// reports can reset unsynced streaks but never extend them.
func (s *ReconciliationService) ReconcileOnDemand(ctx context.Context, reports []model.UserSyncReport) []model.Action {
	return s.reconcile(ctx, reports, false)
}

func (s *ReconciliationService) reconcile(ctx context.Context, reports []model.UserSyncReport, scheduled bool) []model.Action {
	unavailable := make(map[string]bool)
	for _, r := range reports {
		if !r.PrimaryAvailable {
			unavailable[r.Primary] = true
		}
		for _, sec := range r.Secondaries {
			if !sec.Available {
				unavailable[sec.Endpoint] = true
			}
		}
	}

	plans := make([]*userPlan, 0, len(reports))
	sustainedPairs := make(map[string][]string)

	s.mu.Lock()
	if scheduled {
		s.pruneStreaks()
	}
	for _, r := range reports {
		plan := s.classify(r, scheduled)
		plans = append(plans, plan)
		for _, sec := range plan.sustained {
			sustainedPairs[r.UserID] = append(sustainedPairs[r.UserID], sec.Endpoint)
		}
	}
	s.mu.Unlock()

	var rates map[string]map[string]SuccessRate
	if len(sustainedPairs) > 0 {
		var err error
		rates, err = s.rates.ComputeSuccessRates(ctx, sustainedPairs)
		if err != nil {
			s.logger.Warn("Failed to compute sync success rates, treating pairs as unrated", zap.Error(err))
			rates = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var actions []model.Action
	for _, plan := range plans {
		for _, a := range s.decide(plan, rates[plan.report.UserID], unavailable) {
			if s.track(a) {
				actions = append(actions, a)
				s.countAction(a)
			}
		}
	}
	s.observePending()
	return actions
}

// classify updates streaks for one report and sorts its secondaries into
// immediate syncs and sustained-unsynced pairs. Only scheduled cycles
// extend streaks. Caller holds mu.
func (s *ReconciliationService) classify(r model.UserSyncReport, scheduled bool) *userPlan {
	plan := &userPlan{report: r}

	primaryKey := model.PairKey{UserID: r.UserID, Node: r.Primary}
	if !r.PrimaryAvailable {
		if s.extendStreak(primaryKey, scheduled) >= s.cfg.MinUnsyncedCycles {
			plan.primaryCandidate = true
		}
		return plan
	}
	delete(s.streaks, primaryKey)

	for _, sec := range r.Secondaries {
		key := model.PairKey{UserID: r.UserID, Node: sec.Endpoint}
		switch sec.Status {
		case model.Synced:
			delete(s.streaks, key)
			if sec.Diverged {
				plan.syncs = append(plan.syncs, s.newForceResync(r, sec.Endpoint))
			}
		case model.SlightlyBehind, model.ModeratelyBehind:
			delete(s.streaks, key)
			plan.syncs = append(plan.syncs, s.newSync(r, sec.Endpoint, model.SyncRecurring))
		case model.Unsynced:
			if s.extendStreak(key, scheduled) >= s.cfg.MinUnsyncedCycles {
				plan.sustained = append(plan.sustained, sec)
			} else if sec.Available {
				plan.syncs = append(plan.syncs, s.newSync(r, sec.Endpoint, model.SyncRecurring))
			}
		}
	}
	return plan
}

// extendStreak returns the unsynced streak of key including this cycle.
// Streaks not extended within StreakTTL start over. Caller holds mu.
func (s *ReconciliationService) extendStreak(key model.PairKey, scheduled bool) int {
	now := s.now()
	st, ok := s.streaks[key]
	if ok && now.Sub(st.seen) > s.cfg.StreakTTL {
		st = streak{}
	}
	if !scheduled {
		return st.count
	}
	st.count++
	st.seen = now
	s.streaks[key] = st
	return st.count
}

// pruneStreaks drops expired streaks at most once per quarter StreakTTL.
// Caller holds mu.
func (s *ReconciliationService) pruneStreaks() {
	now := s.now()
	if now.Sub(s.lastPrune) < s.cfg.StreakTTL/4 {
		return
	}
	s.lastPrune = now
	for key, st := range s.streaks {
		if now.Sub(st.seen) > s.cfg.StreakTTL {
			delete(s.streaks, key)
		}
	}
}

// decide gates replacement candidates by the enabled reconfig mode and
// falls back to manual syncs. Caller holds mu.
func (s *ReconciliationService) decide(plan *userPlan, rates map[string]SuccessRate, unavailable map[string]bool) []model.Action {
	r := plan.report
	actions := make([]model.Action, 0, len(plan.syncs)+len(plan.sustained))
	for _, a := range plan.syncs {
		actions = append(actions, a)
	}

	var candidates []model.ReplicaReport
	var manual []model.ReplicaReport
	for _, sec := range plan.sustained {
		rate, rated := rates[sec.Endpoint]
		if rated && rate.SuccessRate < s.cfg.MinSuccessRate {
			candidates = append(candidates, sec)
		} else {
			// Unrated or healthy enough: a forced sync either fixes the
			// secondary or records the failure that rates it next cycle
			manual = append(manual, sec)
		}
	}
	for _, sec := range manual {
		actions = append(actions, s.newSync(r, sec.Endpoint, model.SyncManual))
	}

	if !plan.primaryCandidate && len(candidates) == 0 {
		return actions
	}

	required := model.RequiredReconfigMode(plan.primaryCandidate, len(candidates))
	if !s.modes.Permits(required) {
		s.logger.Info("Replica set change not permitted by reconfig mode",
			zap.String("user_id", r.UserID),
			zap.String("required_mode", required.String()),
			zap.Bool("primary_candidate", plan.primaryCandidate),
			zap.Int("secondary_candidates", len(candidates)))
		return append(actions, s.manualFallback(r, candidates)...)
	}

	rs := model.ReplicaSet{UserID: r.UserID, Primary: r.Primary}
	for _, sec := range r.Secondaries {
		rs.Secondaries = append(rs.Secondaries, sec.Endpoint)
	}
	chosen := make(map[string]bool)

	if plan.primaryCandidate {
		if update, ok := s.newUpdate(rs, r.Primary, model.RolePrimary, unavailable, chosen); ok {
			actions = append(actions, update)
		} else {
			s.logger.Warn("No replacement available for unavailable primary",
				zap.String("user_id", r.UserID),
				zap.String("primary", r.Primary))
		}
	}
	for _, sec := range candidates {
		if update, ok := s.newUpdate(rs, sec.Endpoint, model.RoleSecondary, unavailable, chosen); ok {
			actions = append(actions, update)
		} else {
			actions = append(actions, s.manualFallback(r, []model.ReplicaReport{sec})...)
		}
	}
	return actions
}

func (s *ReconciliationService) manualFallback(r model.UserSyncReport, candidates []model.ReplicaReport) []model.Action {
	var actions []model.Action
	for _, sec := range candidates {
		if sec.Available {
			actions = append(actions, s.newSync(r, sec.Endpoint, model.SyncManual))
		}
	}
	return actions
}

func (s *ReconciliationService) newSync(r model.UserSyncReport, secondary string, syncType model.SyncType) model.IssueSync {
	return model.IssueSync{
		ActionID:  s.newID(),
		UserID:    r.UserID,
		Primary:   r.Primary,
		Secondary: secondary,
		SyncType:  syncType,
		Immediate: syncType == model.SyncManual,
		Attempt:   1,
	}
}

// newForceResync asks a secondary that is ahead of its primary to discard
// what the primary does not have
func (s *ReconciliationService) newForceResync(r model.UserSyncReport, secondary string) model.IssueSync {
	sync := s.newSync(r, secondary, model.SyncManual)
	sync.ForceResync = true
	return sync
}

// newUpdate builds a replacement for replaced, or false when no registered
// node qualifies. Caller holds mu.
func (s *ReconciliationService) newUpdate(
	rs model.ReplicaSet,
	replaced string,
	role model.ReplicaRole,
	unavailable map[string]bool,
	chosen map[string]bool,
) (model.UpdateReplicaSet, bool) {
	replacement, ok := s.pickReplacement(rs, unavailable, chosen)
	if !ok {
		return model.UpdateReplicaSet{}, false
	}
	chosen[replacement.Endpoint] = true

	replacedID, _ := s.registry.Lookup(replaced)
	return model.UpdateReplicaSet{
		ActionID:       s.newID(),
		UserID:         rs.UserID,
		Role:           role,
		ReplacedNode:   replaced,
		ReplacedNodeID: replacedID,
		NewNode:        replacement.Endpoint,
		NewNodeID:      replacement.SpID,
	}, true
}

// pickReplacement deterministically picks a registered node outside the
// replica set by hashing the user over the sorted eligible nodes
func (s *ReconciliationService) pickReplacement(rs model.ReplicaSet, unavailable, chosen map[string]bool) (model.StorageNode, bool) {
	now := s.now()
	var eligible []model.StorageNode
	for _, node := range s.registry.Nodes() {
		if rs.Contains(node.Endpoint) || unavailable[node.Endpoint] || chosen[node.Endpoint] {
			continue
		}
		if removedAt, ok := s.recentlyRemoved[model.PairKey{UserID: rs.UserID, Node: node.Endpoint}]; ok &&
			now.Sub(removedAt) < s.cfg.RecentlyRemovedTTL {
			continue
		}
		eligible = append(eligible, node)
	}
	if len(eligible) == 0 {
		return model.StorageNode{}, false
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(rs.UserID))
	return eligible[h.Sum32()%uint32(len(eligible))], true
}

// track registers a as pending unless its pair already has an action.
// Caller holds mu.
func (s *ReconciliationService) track(a model.Action) bool {
	pair := a.Pair()
	if _, busy := s.pending[pair]; busy {
		return false
	}
	s.pending[pair] = a.ID()
	s.actions[a.ID()] = a
	return true
}

// Track registers an action created outside Reconcile, such as the sync
// that follows a replica set change. It returns false if the pair is busy.
func (s *ReconciliationService) Track(a model.Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.track(a)
	s.observePending()
	return ok
}

// Complete releases a finished action. Completions of superseded actions
// are ignored and reported as false.
func (s *ReconciliationService) Complete(actionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.superseded[actionID]; ok {
		delete(s.superseded, actionID)
		s.logger.Debug("Ignoring completion of superseded action", zap.String("action_id", actionID))
		return false
	}
	released := s.release(actionID)
	s.observePending()
	return released
}

// Release drops a pending action without completing it, for example when
// its job could not be enqueued
func (s *ReconciliationService) Release(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(actionID)
	s.observePending()
}

func (s *ReconciliationService) release(actionID string) bool {
	a, ok := s.actions[actionID]
	if !ok {
		return false
	}
	delete(s.actions, actionID)
	if s.pending[a.Pair()] == actionID {
		delete(s.pending, a.Pair())
	}
	return true
}

// InvalidateNode supersedes every pending action that references endpoint
// and forgets its streaks. It returns the superseded action IDs.
func (s *ReconciliationService) InvalidateNode(endpoint string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, at := range s.superseded {
		if now.Sub(at) > supersededRetention {
			delete(s.superseded, id)
		}
	}

	var ids []string
	for id, a := range s.actions {
		if !references(a, endpoint) {
			continue
		}
		s.release(id)
		s.superseded[id] = now
		ids = append(ids, id)
	}
	for key := range s.streaks {
		if key.Node == endpoint {
			delete(s.streaks, key)
		}
	}

	if len(ids) > 0 {
		s.logger.Info("Superseded actions for removed node",
			zap.String("node", endpoint),
			zap.Int("actions", len(ids)))
		if s.metrics != nil {
			s.metrics.SupersededActions.Add(float64(len(ids)))
		}
	}
	s.observePending()
	return ids
}

func references(a model.Action, endpoint string) bool {
	switch v := a.(type) {
	case model.IssueSync:
		return v.Primary == endpoint || v.Secondary == endpoint
	case model.UpdateReplicaSet:
		return v.ReplacedNode == endpoint || v.NewNode == endpoint
	default:
		return false
	}
}

// RecordRemoved implements RemovalRecorder
func (s *ReconciliationService) RecordRemoved(userID, node string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, at := range s.recentlyRemoved {
		if now.Sub(at) >= s.cfg.RecentlyRemovedTTL {
			delete(s.recentlyRemoved, key)
		}
	}
	key := model.PairKey{UserID: userID, Node: node}
	s.recentlyRemoved[key] = now
	delete(s.streaks, key)
}

// Active reports whether the action is still tracked
func (s *ReconciliationService) Active(actionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.actions[actionID]
	return ok
}

// PendingCount returns the number of outstanding actions
func (s *ReconciliationService) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// IsPending reports whether the pair has an outstanding action
func (s *ReconciliationService) IsPending(pair model.PairKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[pair]
	return ok
}

func (s *ReconciliationService) countAction(a model.Action) {
	if s.metrics == nil {
		return
	}
	detail := ""
	switch v := a.(type) {
	case model.IssueSync:
		detail = string(v.SyncType)
		if v.ForceResync {
			detail = "force_resync"
		}
	case model.UpdateReplicaSet:
		detail = string(v.Role)
	}
	s.metrics.ReconciliationActions.WithLabelValues(string(a.Kind()), detail).Inc()
}

// observePending updates the pending gauge. Caller holds mu.
func (s *ReconciliationService) observePending() {
	if s.metrics != nil {
		s.metrics.PendingActions.Set(float64(len(s.pending)))
	}
}
