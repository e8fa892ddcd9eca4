package service

import (
	"context"
	"time"

	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/registry"
)

// NodeClient talks to peer content nodes
type NodeClient interface {
	GetClockValue(ctx context.Context, endpoint, userID string) (int64, error)
	GetClockValues(ctx context.Context, endpoint string, userIDs []string) (map[string]int64, error)
	TriggerSync(ctx context.Context, endpoint string, request model.SyncRequest) error
}

// NodeRegistry resolves registered content nodes
type NodeRegistry interface {
	Lookup(endpoint string) (int64, bool)
	Nodes() []model.StorageNode
	Refresh(ctx context.Context) (registry.RefreshResult, error)
	RefreshIfStale(ctx context.Context, maxAge time.Duration) (registry.RefreshResult, bool, error)
}

// SuccessRateSource computes per-pair sync success rates
type SuccessRateSource interface {
	ComputeSuccessRates(ctx context.Context, usersToSecondaries map[string][]string) (map[string]map[string]SuccessRate, error)
}

// ModeGate answers whether a reconfig mode is currently enabled
type ModeGate interface {
	Permits(mode model.ReconfigMode) bool
}

// RemovalRecorder remembers nodes recently removed from a user's replica set
type RemovalRecorder interface {
	RecordRemoved(userID, node string)
}

// refreshResultToModel converts a registry refresh into a job result
func refreshResultToModel(result registry.RefreshResult, err error) model.RefreshRegistryResult {
	if err != nil {
		return model.RefreshRegistryResult{ErrorMessage: err.Error()}
	}
	out := model.RefreshRegistryResult{Removed: result.Removed}
	if result.Snapshot != nil {
		out.Size = result.Snapshot.Len()
	}
	return out
}
