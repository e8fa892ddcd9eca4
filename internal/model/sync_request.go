package model

// SyncRequest asks a secondary to pull a user's data from the primary.
// ForceResync asks it to discard local state the primary does not have.
type SyncRequest struct {
	Wallet              []string `json:"wallet"`
	CreatorNodeEndpoint string   `json:"creator_node_endpoint"`
	SyncType            SyncType `json:"sync_type"`
	Immediate           bool     `json:"immediate"`
	ForceResync         bool     `json:"force_resync,omitempty"`
}

// ClockStatus is the clock of a user on one node
type ClockStatus struct {
	ClockValue     int64 `json:"clockValue"`
	SyncInProgress bool  `json:"syncInProgress"`
}

// BatchClockStatusRequest is the body of POST /users/batch_clock_status
type BatchClockStatusRequest struct {
	WalletPublicKeys []string `json:"walletPublicKeys"`
}

// UserClock is one entry of a batch clock status response
type UserClock struct {
	WalletPublicKey string `json:"walletPublicKey"`
	Clock           int64  `json:"clock"`
}

// BatchClockStatus is the data of a batch clock status response
type BatchClockStatus struct {
	Users []UserClock `json:"users"`
}
