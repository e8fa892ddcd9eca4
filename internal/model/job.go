package model

// QueueName identifies a job queue
type QueueName string

const (
	QueueRefreshRegistry    QueueName = "refresh-registry"
	QueueMonitorState       QueueName = "monitor-state"
	QueueFindReconciliation QueueName = "find-reconciliation"
	QueueRecurringSync      QueueName = "recurring-sync"
	QueueManualSync         QueueName = "manual-sync"
	QueueUpdateReplicaSet   QueueName = "update-replica-set"
)

// JobPayload is the input of a job. Each queue accepts exactly one payload type.
type JobPayload interface {
	Queue() QueueName
	isJobPayload()
}

// JobResult is the output of a job
type JobResult interface {
	isJobResult()
}

// RefreshRegistryJob refreshes the endpoint to service-provider ID map
type RefreshRegistryJob struct{}

func (RefreshRegistryJob) Queue() QueueName { return QueueRefreshRegistry }
func (RefreshRegistryJob) isJobPayload()    {}

// RefreshRegistryResult reports the outcome of a registry refresh
type RefreshRegistryResult struct {
	Size         int      `json:"size"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Removed      []string `json:"removed,omitempty"`
}

func (RefreshRegistryResult) isJobResult() {}

// MonitorStateJob monitors one batch of users. When Users is set the batch
// is exactly those users and the job does not advance the cursor.
type MonitorStateJob struct {
	Offset int      `json:"offset"`
	Users  []string `json:"users,omitempty"`
}

func (MonitorStateJob) Queue() QueueName { return QueueMonitorState }
func (MonitorStateJob) isJobPayload()    {}

// OnDemand reports whether the job was triggered for specific users
func (j MonitorStateJob) OnDemand() bool { return len(j.Users) > 0 }

// MonitorStateResult carries the reports of one monitoring batch
type MonitorStateResult struct {
	Reports    []UserSyncReport `json:"reports"`
	NextOffset int              `json:"next_offset"`
	OnDemand   bool             `json:"on_demand"`
}

func (MonitorStateResult) isJobResult() {}

// FindReconciliationJob turns reports into actions. OnDemand marks
// reports of a user-triggered check rather than a scheduled cycle.
type FindReconciliationJob struct {
	Reports  []UserSyncReport `json:"reports"`
	OnDemand bool             `json:"on_demand,omitempty"`
}

func (FindReconciliationJob) Queue() QueueName { return QueueFindReconciliation }
func (FindReconciliationJob) isJobPayload()    {}

// FindReconciliationResult lists the actions chosen for a batch
type FindReconciliationResult struct {
	Actions []Action `json:"actions"`
}

func (FindReconciliationResult) isJobResult() {}

// IssueSyncJob executes an IssueSync action
type IssueSyncJob struct {
	Action IssueSync `json:"action"`
}

func (j IssueSyncJob) Queue() QueueName {
	if j.Action.SyncType == SyncManual {
		return QueueManualSync
	}
	return QueueRecurringSync
}
func (IssueSyncJob) isJobPayload() {}

// Sync outcomes
const (
	OutcomeCaughtUp           = "success_secondary_caught_up"
	OutcomePartiallyCaughtUp  = "success_secondary_partially_caught_up"
	OutcomeFailedToProgress   = "failure_secondary_failed_to_progress"
	OutcomeIssueFailed        = "failure_issue_sync_request"
	OutcomeThresholdMet       = "failure_secondary_failure_count_threshold_met"
	OutcomePrimaryUnavailable = "failure_primary_clock_unavailable"
	OutcomeSuperseded         = "skipped_action_superseded"
)

// IssueSyncResult reports a sync outcome. Retry is set when another
// attempt should be enqueued.
type IssueSyncResult struct {
	Outcome string     `json:"outcome"`
	Retry   *IssueSync `json:"retry,omitempty"`
}

func (IssueSyncResult) isJobResult() {}

// UpdateReplicaSetJob executes an UpdateReplicaSet action
type UpdateReplicaSetJob struct {
	Action UpdateReplicaSet `json:"action"`
}

func (UpdateReplicaSetJob) Queue() QueueName { return QueueUpdateReplicaSet }
func (UpdateReplicaSetJob) isJobPayload()    {}

// ReasonSuperseded marks an update skipped because its action was invalidated
const ReasonSuperseded = "action superseded"

// UpdateReplicaSetResult reports the applied replica set
type UpdateReplicaSetResult struct {
	Applied    bool       `json:"applied"`
	Reason     string     `json:"reason,omitempty"`
	ReplicaSet ReplicaSet `json:"replica_set"`
}

func (UpdateReplicaSetResult) isJobResult() {}
