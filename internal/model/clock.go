package model

import "time"

// ClockRecord is one entry in a user's gapless clock sequence.
// Every content mutation on the primary is paired with exactly one record.
type ClockRecord struct {
	UserID      string    `json:"user_id"`
	Clock       int64     `json:"clock"`
	SourceTable string    `json:"source_table"`
	Timestamp   time.Time `json:"timestamp"`
}

// NoClock is reported for a user that has no clock records on a node.
const NoClock int64 = -1
