package model

import "time"

// StorageNode is a registered content node
type StorageNode struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	SpID        int64  `json:"sp_id" yaml:"sp_id"`
	ServiceType string `json:"service_type" yaml:"service_type"`
}

// ReplicaRole identifies the position a node holds in a replica set
type ReplicaRole string

const (
	// RolePrimary is the node authoritative for the user's writes
	RolePrimary ReplicaRole = "primary"
	// RoleSecondary holds a replicated copy
	RoleSecondary ReplicaRole = "secondary"
)

// ReplicaSet is the (primary, secondaries) assignment for a user
type ReplicaSet struct {
	UserID      string    `json:"user_id"`
	Primary     string    `json:"primary"`
	Secondaries []string  `json:"secondaries"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Nodes returns the primary followed by the secondaries
func (rs *ReplicaSet) Nodes() []string {
	nodes := make([]string, 0, 1+len(rs.Secondaries))
	nodes = append(nodes, rs.Primary)
	return append(nodes, rs.Secondaries...)
}

// Contains reports whether endpoint is a member of the replica set
func (rs *ReplicaSet) Contains(endpoint string) bool {
	for _, n := range rs.Nodes() {
		if n == endpoint {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (rs *ReplicaSet) Clone() ReplicaSet {
	out := *rs
	out.Secondaries = append([]string(nil), rs.Secondaries...)
	return out
}
