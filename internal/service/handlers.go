package service

import (
	"errors"
	"time"

	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/queue"
)

// Job priorities, higher runs first
const (
	priorityCycle    = 0
	priorityManual   = 5
	priorityOnDemand = 10
)

// monitorCycleJobID keeps a single recurring monitoring cycle queued
const monitorCycleJobID = "monitor-state-cycle"

// Command is a side effect requested by a completion handler
type Command interface {
	isCommand()
}

// EnqueueCommand enqueues a job. When Track is set the action is
// registered as pending first and the job is skipped if the pair is busy.
// When Parent is set the parent action is completed first and the job is
// dropped if the parent had been superseded.
type EnqueueCommand struct {
	Payload model.JobPayload
	Options queue.Options
	Track   model.Action
	Parent  string
}

// ReleaseCommand completes an action, freeing its (user, node) pair
type ReleaseCommand struct {
	ActionID string
}

// SetRegistryHealthCommand reports the outcome of a registry refresh
type SetRegistryHealthCommand struct {
	Err error
}

// InvalidateNodesCommand supersedes actions referencing nodes that left the registry
type InvalidateNodesCommand struct {
	Endpoints []string
}

func (EnqueueCommand) isCommand()           {}
func (ReleaseCommand) isCommand()           {}
func (SetRegistryHealthCommand) isCommand() {}
func (InvalidateNodesCommand) isCommand()   {}

// Handlers maps job completions to commands. It holds no state and
// performs no I/O.
type Handlers struct {
	MonitoringInterval time.Duration
	// UpdateAttempts is the job-level attempt budget of replica set updates
	UpdateAttempts int
	UpdateBackoff  time.Duration
}

// Handle dispatches a completion to its queue's handler
func (h Handlers) Handle(c queue.JobCompletion) []Command {
	switch c.Queue {
	case model.QueueRefreshRegistry:
		return h.handleRefreshRegistry(c)
	case model.QueueMonitorState:
		return h.handleMonitorState(c)
	case model.QueueFindReconciliation:
		return h.handleFindReconciliation(c)
	case model.QueueRecurringSync, model.QueueManualSync:
		return h.handleIssueSync(c)
	case model.QueueUpdateReplicaSet:
		return h.handleUpdateReplicaSet(c)
	default:
		return nil
	}
}

func (h Handlers) handleRefreshRegistry(c queue.JobCompletion) []Command {
	if c.Err != nil {
		return []Command{SetRegistryHealthCommand{Err: c.Err}}
	}
	result, ok := c.Result.(model.RefreshRegistryResult)
	if !ok {
		return nil
	}
	return registryCommands(result)
}

func registryCommands(result model.RefreshRegistryResult) []Command {
	if result.ErrorMessage != "" {
		return []Command{SetRegistryHealthCommand{Err: errors.New(result.ErrorMessage)}}
	}
	cmds := []Command{SetRegistryHealthCommand{}}
	if len(result.Removed) > 0 {
		cmds = append(cmds, InvalidateNodesCommand{Endpoints: result.Removed})
	}
	return cmds
}

func (h Handlers) handleMonitorState(c queue.JobCompletion) []Command {
	job, _ := c.Payload.(model.MonitorStateJob)

	if c.Err != nil {
		if job.OnDemand() {
			return nil
		}
		// Keep the cycle alive at the same offset
		return []Command{h.nextCycle(job.Offset)}
	}

	result, ok := c.Result.(model.MonitorStateResult)
	if !ok {
		return nil
	}

	var cmds []Command
	if len(result.Reports) > 0 {
		cmds = append(cmds, EnqueueCommand{
			Payload: model.FindReconciliationJob{Reports: result.Reports, OnDemand: result.OnDemand},
			Options: queue.Options{Priority: priorityFor(result.OnDemand)},
		})
	}
	if !result.OnDemand {
		cmds = append(cmds, h.nextCycle(result.NextOffset))
	}
	return cmds
}

func (h Handlers) nextCycle(offset int) EnqueueCommand {
	return EnqueueCommand{
		Payload: model.MonitorStateJob{Offset: offset},
		Options: queue.Options{
			Priority: priorityCycle,
			Delay:    h.MonitoringInterval,
			JobID:    monitorCycleJobID,
		},
	}
}

func (h Handlers) handleFindReconciliation(c queue.JobCompletion) []Command {
	if c.Err != nil {
		return nil
	}
	result, ok := c.Result.(model.FindReconciliationResult)
	if !ok {
		return nil
	}

	cmds := make([]Command, 0, len(result.Actions))
	for _, action := range result.Actions {
		if cmd, ok := h.actionJob(action); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// actionJob builds the job that executes an already tracked action
func (h Handlers) actionJob(action model.Action) (EnqueueCommand, bool) {
	switch a := action.(type) {
	case model.IssueSync:
		return EnqueueCommand{
			Payload: model.IssueSyncJob{Action: a},
			Options: syncOptions(a),
		}, true
	case model.UpdateReplicaSet:
		return EnqueueCommand{
			Payload: model.UpdateReplicaSetJob{Action: a},
			Options: queue.Options{
				Priority:    priorityManual,
				MaxAttempts: h.UpdateAttempts,
				Backoff:     h.UpdateBackoff,
			},
		}, true
	default:
		return EnqueueCommand{}, false
	}
}

func syncOptions(a model.IssueSync) queue.Options {
	opts := queue.Options{Priority: priorityCycle, MaxAttempts: 1}
	if a.SyncType == model.SyncManual {
		opts.Priority = priorityManual
	}
	return opts
}

func (h Handlers) handleIssueSync(c queue.JobCompletion) []Command {
	job, ok := c.Payload.(model.IssueSyncJob)
	if !ok {
		return nil
	}
	release := ReleaseCommand{ActionID: job.Action.ActionID}

	if c.Err != nil {
		return []Command{release}
	}
	result, ok := c.Result.(model.IssueSyncResult)
	if !ok || result.Retry == nil {
		return []Command{release}
	}
	return []Command{EnqueueCommand{
		Payload: model.IssueSyncJob{Action: *result.Retry},
		Options: syncOptions(*result.Retry),
	}}
}

func (h Handlers) handleUpdateReplicaSet(c queue.JobCompletion) []Command {
	job, ok := c.Payload.(model.UpdateReplicaSetJob)
	if !ok {
		return nil
	}
	result, ok := c.Result.(model.UpdateReplicaSetResult)
	if c.Err != nil || !ok || !result.Applied {
		return []Command{ReleaseCommand{ActionID: job.Action.ActionID}}
	}

	follow := model.IssueSync{
		ActionID:  job.Action.ActionID + ":sync",
		UserID:    job.Action.UserID,
		Primary:   result.ReplicaSet.Primary,
		Secondary: job.Action.NewNode,
		SyncType:  model.SyncManual,
		Immediate: true,
		Attempt:   1,
	}
	return []Command{EnqueueCommand{
		Payload: model.IssueSyncJob{Action: follow},
		Options: syncOptions(follow),
		Track:   follow,
		Parent:  job.Action.ActionID,
	}}
}

func priorityFor(onDemand bool) int {
	if onDemand {
		return priorityOnDemand
	}
	return priorityCycle
}

// actionIDOf returns the action ID carried by a job payload, if any
func actionIDOf(payload model.JobPayload) string {
	switch p := payload.(type) {
	case model.IssueSyncJob:
		return p.Action.ActionID
	case model.UpdateReplicaSetJob:
		return p.Action.ActionID
	default:
		return ""
	}
}
