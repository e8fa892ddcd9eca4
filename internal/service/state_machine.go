package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/queue"
	"go.uber.org/zap"
)

const refreshJobID = "refresh-registry"

// JobQueue is the job substrate the state machine runs on
type JobQueue interface {
	Register(queue model.QueueName, processor queue.Processor)
	OnComplete(queue model.QueueName, listener func(queue.JobCompletion))
	Enqueue(ctx context.Context, queue model.QueueName, payload model.JobPayload, opts queue.Options) (queue.JobHandle, error)
}

// StateMachineConfig holds state machine configuration
type StateMachineConfig struct {
	RefreshInterval    time.Duration
	MonitoringInterval time.Duration
	UpdateAttempts     int
	UpdateBackoff      time.Duration
	EventBuffer        int
}

// StateMachineDeps are the services the state machine drives
type StateMachineDeps struct {
	Queue          JobQueue
	Registry       NodeRegistry
	Monitoring     *MonitoringService
	Reconciliation *ReconciliationService
	Syncs          *SyncService
	ReplicaSets    *ReplicaSetService
	Reconfig       *ReconfigController
}

// StateMachine registers the job processors and chains jobs together: job
// completions become events consumed by a single dispatcher goroutine,
// which turns them into commands through Handlers.
type StateMachine struct {
	cfg      StateMachineConfig
	deps     StateMachineDeps
	handlers Handlers
	logger   *zap.Logger

	events   chan queue.JobCompletion
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewStateMachine creates a new state machine
func NewStateMachine(cfg StateMachineConfig, deps StateMachineDeps, logger *zap.Logger) *StateMachine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StateMachine{
		cfg:  cfg,
		deps: deps,
		handlers: Handlers{
			MonitoringInterval: cfg.MonitoringInterval,
			UpdateAttempts:     cfg.UpdateAttempts,
			UpdateBackoff:      cfg.UpdateBackoff,
		},
		logger: logger,
		events: make(chan queue.JobCompletion, cfg.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start registers processors, starts the dispatcher and enqueues the
// recurring registry refresh and the first monitoring cycle
func (sm *StateMachine) Start(ctx context.Context) error {
	q := sm.deps.Queue
	q.Register(model.QueueRefreshRegistry, sm.processRefreshRegistry)
	q.Register(model.QueueMonitorState, sm.processMonitorState)
	q.Register(model.QueueFindReconciliation, sm.processFindReconciliation)
	q.Register(model.QueueRecurringSync, sm.processIssueSync)
	q.Register(model.QueueManualSync, sm.processIssueSync)
	q.Register(model.QueueUpdateReplicaSet, sm.processUpdateReplicaSet)

	for _, name := range []model.QueueName{
		model.QueueRefreshRegistry,
		model.QueueMonitorState,
		model.QueueFindReconciliation,
		model.QueueRecurringSync,
		model.QueueManualSync,
		model.QueueUpdateReplicaSet,
	} {
		q.OnComplete(name, sm.publish)
	}

	sm.deps.Monitoring.OnRegistryRefresh(func(result model.RefreshRegistryResult) {
		sm.publish(queue.JobCompletion{
			Queue:   model.QueueRefreshRegistry,
			Payload: model.RefreshRegistryJob{},
			Result:  result,
		})
	})

	sm.started.Store(true)
	go sm.dispatch()

	if _, err := q.Enqueue(ctx, model.QueueRefreshRegistry, model.RefreshRegistryJob{}, queue.Options{
		Priority: priorityOnDemand,
		Repeat:   sm.cfg.RefreshInterval,
		JobID:    refreshJobID,
	}); err != nil {
		return fmt.Errorf("failed to schedule registry refresh: %w", err)
	}
	if _, err := q.Enqueue(ctx, model.QueueMonitorState, model.MonitorStateJob{}, queue.Options{
		Priority: priorityCycle,
		JobID:    monitorCycleJobID,
	}); err != nil {
		return fmt.Errorf("failed to schedule monitoring: %w", err)
	}

	sm.logger.Info("State machine started",
		zap.Duration("refresh_interval", sm.cfg.RefreshInterval),
		zap.Duration("monitoring_interval", sm.cfg.MonitoringInterval))
	return nil
}

// Stop stops the dispatcher. Completions arriving afterwards are dropped.
func (sm *StateMachine) Stop() {
	sm.stopOnce.Do(func() {
		sm.cancel()
		if sm.started.Load() {
			<-sm.done
		}
		sm.logger.Info("State machine stopped")
	})
}

// TriggerUser enqueues a high-priority monitoring job for one user. A
// trigger for a user whose job is still queued is deduplicated.
func (sm *StateMachine) TriggerUser(ctx context.Context, userID string) (queue.JobHandle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return queue.JobHandle{}, apperrors.InvalidArgument("user id is required", nil)
	}
	return sm.deps.Queue.Enqueue(ctx, model.QueueMonitorState,
		model.MonitorStateJob{Users: []string{userID}},
		queue.Options{Priority: priorityOnDemand, JobID: "monitor-user:" + userID})
}

// publish hands a completion to the dispatcher
func (sm *StateMachine) publish(c queue.JobCompletion) {
	select {
	case sm.events <- c:
	case <-sm.ctx.Done():
	}
}

func (sm *StateMachine) dispatch() {
	defer close(sm.done)
	for {
		select {
		case <-sm.ctx.Done():
			return
		case c := <-sm.events:
			for _, cmd := range sm.handlers.Handle(c) {
				sm.execute(sm.ctx, cmd)
			}
		}
	}
}

func (sm *StateMachine) execute(ctx context.Context, cmd Command) {
	recon := sm.deps.Reconciliation

	switch c := cmd.(type) {
	case EnqueueCommand:
		actionID := actionIDOf(c.Payload)
		if c.Parent != "" && !recon.Complete(c.Parent) {
			sm.logger.Info("Dropping follow-up of superseded action",
				zap.String("parent", c.Parent),
				zap.String("action_id", actionID))
			return
		}
		if c.Track != nil {
			if !recon.Track(c.Track) {
				sm.logger.Debug("Pair already has an outstanding action",
					zap.String("pair", c.Track.Pair().String()))
				return
			}
		} else if actionID != "" && !recon.Active(actionID) {
			// Superseded while its job was in flight
			recon.Complete(actionID)
			return
		}

		if _, err := sm.deps.Queue.Enqueue(ctx, c.Payload.Queue(), c.Payload, c.Options); err != nil {
			sm.logger.Warn("Failed to enqueue job",
				zap.String("queue", string(c.Payload.Queue())),
				zap.String("action_id", actionID),
				zap.Error(err))
			if actionID != "" {
				recon.Release(actionID)
			}
		}

	case ReleaseCommand:
		recon.Complete(c.ActionID)

	case SetRegistryHealthCommand:
		sm.deps.Reconfig.OnRegistryRefresh(c.Err)

	case InvalidateNodesCommand:
		for _, endpoint := range c.Endpoints {
			recon.InvalidateNode(endpoint)
		}
	}
}

func (sm *StateMachine) processRefreshRegistry(ctx context.Context, _ model.JobPayload) (model.JobResult, error) {
	result, err := sm.deps.Registry.Refresh(ctx)
	return refreshResultToModel(result, err), nil
}

func (sm *StateMachine) processMonitorState(ctx context.Context, payload model.JobPayload) (model.JobResult, error) {
	job, ok := payload.(model.MonitorStateJob)
	if !ok {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unexpected payload %T", payload), nil)
	}

	users, next := job.Users, job.Offset
	if !job.OnDemand() {
		var err error
		users, next, err = sm.deps.Monitoring.NextBatch(ctx, job.Offset)
		if err != nil {
			return nil, err
		}
	}

	reports, err := sm.deps.Monitoring.MonitorBatch(ctx, users)
	if err != nil {
		return nil, err
	}
	return model.MonitorStateResult{Reports: reports, NextOffset: next, OnDemand: job.OnDemand()}, nil
}

func (sm *StateMachine) processFindReconciliation(ctx context.Context, payload model.JobPayload) (model.JobResult, error) {
	job, ok := payload.(model.FindReconciliationJob)
	if !ok {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unexpected payload %T", payload), nil)
	}
	if job.OnDemand {
		return model.FindReconciliationResult{Actions: sm.deps.Reconciliation.ReconcileOnDemand(ctx, job.Reports)}, nil
	}
	return model.FindReconciliationResult{Actions: sm.deps.Reconciliation.Reconcile(ctx, job.Reports)}, nil
}

func (sm *StateMachine) processIssueSync(ctx context.Context, payload model.JobPayload) (model.JobResult, error) {
	job, ok := payload.(model.IssueSyncJob)
	if !ok {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unexpected payload %T", payload), nil)
	}
	if !sm.deps.Reconciliation.Active(job.Action.ActionID) {
		sm.logger.Info("Skipping superseded sync",
			zap.String("action_id", job.Action.ActionID),
			zap.String("pair", job.Action.Pair().String()))
		return model.IssueSyncResult{Outcome: model.OutcomeSuperseded}, nil
	}
	return sm.deps.Syncs.IssueSync(ctx, job.Action)
}

func (sm *StateMachine) processUpdateReplicaSet(ctx context.Context, payload model.JobPayload) (model.JobResult, error) {
	job, ok := payload.(model.UpdateReplicaSetJob)
	if !ok {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unexpected payload %T", payload), nil)
	}
	if !sm.deps.Reconciliation.Active(job.Action.ActionID) {
		sm.logger.Info("Skipping superseded replica set update",
			zap.String("action_id", job.Action.ActionID),
			zap.String("user_id", job.Action.UserID))
		return model.UpdateReplicaSetResult{Reason: model.ReasonSuperseded}, nil
	}
	return sm.deps.ReplicaSets.Apply(ctx, job.Action)
}
