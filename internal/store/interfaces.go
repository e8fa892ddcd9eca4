package store

import (
	"context"
	"errors"

	"github.com/devrev/snapback/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ClockStore is the durable per-user clock record sequence of this node
type ClockStore interface {
	// GetCurrentClock returns the highest clock recorded for the user,
	// or model.NoClock if the user has none
	GetCurrentClock(ctx context.Context, userID string) (int64, error)
	// GetCurrentClocks is GetCurrentClock for many users. Every requested
	// user is present in the result.
	GetCurrentClocks(ctx context.Context, userIDs []string) (map[string]int64, error)
	// GetClockRecordsSince returns records with clock greater than clock, ascending
	GetClockRecordsSince(ctx context.Context, userID string, clock int64) ([]model.ClockRecord, error)
	// AppendRecord persists the next clock record. clock must be current+1.
	AppendRecord(ctx context.Context, userID string, clock int64, sourceTable string) error

	Ping(ctx context.Context) error
	Close()
}

// ReplicaSetStore holds the replica set assignment of every user
type ReplicaSetStore interface {
	// GetReplicaSets returns the replica sets of the given users. Users
	// without a replica set are absent from the result.
	GetReplicaSets(ctx context.Context, userIDs []string) (map[string]model.ReplicaSet, error)
	// ListUsersByPrimary pages through users whose primary is the endpoint,
	// ordered by user ID
	ListUsersByPrimary(ctx context.Context, primary string, offset, limit int) ([]string, error)
	// UpdateReplicaSet replaces the replica set if its stored version equals
	// expectedVersion, and bumps the version
	UpdateReplicaSet(ctx context.Context, rs model.ReplicaSet, expectedVersion int64) (model.ReplicaSet, error)

	Ping(ctx context.Context) error
	Close()
}

// CounterStore is a keyed integer counter store
type CounterStore interface {
	Increment(ctx context.Context, key string, amount int64) error
	// Sum returns the total of the given keys. Missing keys count as zero.
	Sum(ctx context.Context, keys []string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
