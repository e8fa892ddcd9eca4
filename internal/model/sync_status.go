package model

// SyncStatus classifies a secondary relative to its primary for one monitoring cycle
type SyncStatus int

const (
	// Synced means the secondary clock has reached the primary clock
	Synced SyncStatus = iota
	// SlightlyBehind means the lag is within the small threshold
	SlightlyBehind
	// ModeratelyBehind means the lag is within the large threshold
	ModeratelyBehind
	// Unsynced means the lag exceeds both thresholds, the secondary is
	// unreachable, or its clock regressed
	Unsynced
	// PrimaryClockUnavailable means the primary could not be queried
	PrimaryClockUnavailable
)

var syncStatusNames = map[SyncStatus]string{
	Synced:                  "synced",
	SlightlyBehind:          "slightly_behind",
	ModeratelyBehind:        "moderately_behind",
	Unsynced:                "unsynced",
	PrimaryClockUnavailable: "primary_clock_unavailable",
}

func (s SyncStatus) String() string {
	if name, ok := syncStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Severity ranks the lag-derived statuses. Higher is less healthy.
// PrimaryClockUnavailable is not lag-derived and ranks above all of them.
func (s SyncStatus) Severity() int {
	return int(s)
}

// AllSyncStatuses lists every status in severity order
var AllSyncStatuses = []SyncStatus{Synced, SlightlyBehind, ModeratelyBehind, Unsynced, PrimaryClockUnavailable}

// ReplicaReport is the observation of one replica for one user. Diverged
// marks a secondary whose clock is ahead of the primary; its Status stays
// Synced.
type ReplicaReport struct {
	Endpoint  string     `json:"endpoint"`
	Clock     int64      `json:"clock"`
	Available bool       `json:"available"`
	Status    SyncStatus `json:"status"`
	Regressed bool       `json:"regressed,omitempty"`
	Diverged  bool       `json:"diverged,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// UserSyncReport is the per-cycle sync state of one user's replica set
type UserSyncReport struct {
	UserID           string          `json:"user_id"`
	Primary          string          `json:"primary"`
	PrimaryClock     int64           `json:"primary_clock"`
	PrimaryAvailable bool            `json:"primary_available"`
	PrimaryRegressed bool            `json:"primary_regressed,omitempty"`
	PrimaryError     string          `json:"primary_error,omitempty"`
	Secondaries      []ReplicaReport `json:"secondaries"`
}
