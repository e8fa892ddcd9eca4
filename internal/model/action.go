package model

import "fmt"

// SyncType distinguishes lightweight recurring syncs from forced manual syncs
type SyncType string

const (
	// SyncRecurring is the steady-state sync issued for expected lag
	SyncRecurring SyncType = "recurring"
	// SyncManual is the forced sync issued for a persistently unsynced secondary
	SyncManual SyncType = "manual"
)

// AllSyncTypes lists every sync type
var AllSyncTypes = []SyncType{SyncRecurring, SyncManual}

// PairKey identifies a (user, node) pair. At most one action may be
// outstanding per pair.
type PairKey struct {
	UserID string
	Node   string
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s@%s", k.UserID, k.Node)
}

// ActionKind tags the Action union
type ActionKind string

const (
	// ActionIssueSync copies data from the primary to a lagging secondary
	ActionIssueSync ActionKind = "issue_sync"
	// ActionUpdateReplicaSet swaps an unhealthy node out of a replica set
	ActionUpdateReplicaSet ActionKind = "update_replica_set"
)

// Action is a corrective step chosen by reconciliation.
// Implemented only by IssueSync and UpdateReplicaSet.
type Action interface {
	Kind() ActionKind
	ID() string
	Pair() PairKey
	isAction()
}

// IssueSync asks Secondary to sync the user's data from Primary.
// ForceResync is set when Secondary was observed ahead of Primary.
type IssueSync struct {
	ActionID    string   `json:"action_id"`
	UserID      string   `json:"user_id"`
	Primary     string   `json:"primary"`
	Secondary   string   `json:"secondary"`
	SyncType    SyncType `json:"sync_type"`
	Immediate   bool     `json:"immediate"`
	ForceResync bool     `json:"force_resync,omitempty"`
	Attempt     int      `json:"attempt"`
}

func (a IssueSync) Kind() ActionKind { return ActionIssueSync }
func (a IssueSync) ID() string       { return a.ActionID }
func (a IssueSync) Pair() PairKey    { return PairKey{UserID: a.UserID, Node: a.Secondary} }
func (IssueSync) isAction()          {}

// UpdateReplicaSet replaces ReplacedNode in the user's replica set with NewNode
type UpdateReplicaSet struct {
	ActionID       string      `json:"action_id"`
	UserID         string      `json:"user_id"`
	Role           ReplicaRole `json:"role"`
	ReplacedNode   string      `json:"replaced_node"`
	ReplacedNodeID int64       `json:"replaced_node_id"`
	NewNode        string      `json:"new_node"`
	NewNodeID      int64       `json:"new_node_id"`
}

func (a UpdateReplicaSet) Kind() ActionKind { return ActionUpdateReplicaSet }
func (a UpdateReplicaSet) ID() string       { return a.ActionID }
func (a UpdateReplicaSet) Pair() PairKey    { return PairKey{UserID: a.UserID, Node: a.ReplacedNode} }
func (UpdateReplicaSet) isAction()          {}
