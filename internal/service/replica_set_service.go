package service

import (
	"context"
	"fmt"

	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/store"
	"go.uber.org/zap"
)

// ReplicaSetService applies replica set changes chosen by reconciliation
type ReplicaSetService struct {
	replicaSets store.ReplicaSetStore
	registry    NodeRegistry
	removals    RemovalRecorder
	logger      *zap.Logger
}

// NewReplicaSetService creates a new replica set service
func NewReplicaSetService(
	replicaSets store.ReplicaSetStore,
	registry NodeRegistry,
	removals RemovalRecorder,
	logger *zap.Logger,
) *ReplicaSetService {
	return &ReplicaSetService{
		replicaSets: replicaSets,
		registry:    registry,
		removals:    removals,
		logger:      logger,
	}
}

// Apply swaps the replaced node for the new node. A change that no longer
// applies is reported with Applied=false; store failures, including version
// conflicts, are returned so the job is retried against fresh state.
func (s *ReplicaSetService) Apply(ctx context.Context, action model.UpdateReplicaSet) (model.UpdateReplicaSetResult, error) {
	sets, err := s.replicaSets.GetReplicaSets(ctx, []string{action.UserID})
	if err != nil {
		return model.UpdateReplicaSetResult{}, fmt.Errorf("failed to load replica set: %w", err)
	}
	current, ok := sets[action.UserID]
	if !ok {
		return s.skip(action, "replica set not found"), nil
	}
	if !current.Contains(action.ReplacedNode) {
		return s.skip(action, "replaced node is no longer in the replica set"), nil
	}
	if current.Contains(action.NewNode) {
		return s.skip(action, "new node is already in the replica set"), nil
	}
	if _, registered := s.registry.Lookup(action.NewNode); !registered {
		return s.skip(action, "new node is not registered"), nil
	}

	next := current.Clone()
	switch {
	case next.Primary == action.ReplacedNode:
		if len(next.Secondaries) == 0 {
			return s.skip(action, "no secondary to promote"), nil
		}
		next.Primary = next.Secondaries[0]
		next.Secondaries[0] = action.NewNode
	default:
		for i, sec := range next.Secondaries {
			if sec == action.ReplacedNode {
				next.Secondaries[i] = action.NewNode
			}
		}
	}

	updated, err := s.replicaSets.UpdateReplicaSet(ctx, next, current.Version)
	if err != nil {
		return model.UpdateReplicaSetResult{}, fmt.Errorf("failed to update replica set: %w", err)
	}

	s.removals.RecordRemoved(action.UserID, action.ReplacedNode)

	s.logger.Info("Replica set updated",
		zap.String("action_id", action.ActionID),
		zap.String("user_id", action.UserID),
		zap.String("role", string(action.Role)),
		zap.String("replaced_node", action.ReplacedNode),
		zap.String("new_node", action.NewNode),
		zap.String("primary", updated.Primary),
		zap.Strings("secondaries", updated.Secondaries),
		zap.Int64("version", updated.Version))

	return model.UpdateReplicaSetResult{Applied: true, ReplicaSet: updated}, nil
}

func (s *ReplicaSetService) skip(action model.UpdateReplicaSet, reason string) model.UpdateReplicaSetResult {
	s.logger.Info("Replica set update skipped",
		zap.String("action_id", action.ActionID),
		zap.String("user_id", action.UserID),
		zap.String("replaced_node", action.ReplacedNode),
		zap.String("new_node", action.NewNode),
		zap.String("reason", reason))
	return model.UpdateReplicaSetResult{Applied: false, Reason: reason}
}
