package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/snapback/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip membership configuration
type GossipConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipSource discovers nodes through memberlist. Every member advertises
// its endpoint, service-provider ID and service type as node metadata.
type GossipSource struct {
	memberlist *memberlist.Memberlist
	local      model.StorageNode
	meta       []byte
	logger     *zap.Logger
}

// NewGossipSource joins the gossip cluster advertising local
func NewGossipSource(cfg GossipConfig, local model.StorageNode, logger *zap.Logger) (*GossipSource, error) {
	meta, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}

	gs := &GossipSource{local: local, meta: meta, logger: logger}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = local.Endpoint
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &memberEvents{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

// Fetch implements Source from the current live members
func (s *GossipSource) Fetch(ctx context.Context, serviceType string) ([]model.StorageNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return membersToNodes(s.memberlist.Members(), serviceType, s.logger), nil
}

// membersToNodes decodes member metadata, skipping members of other
// service types and members with unreadable metadata
func membersToNodes(members []*memberlist.Node, serviceType string, logger *zap.Logger) []model.StorageNode {
	nodes := make([]model.StorageNode, 0, len(members))
	for _, member := range members {
		var node model.StorageNode
		if err := json.Unmarshal(member.Meta, &node); err != nil || node.Endpoint == "" {
			logger.Debug("Skipping member without node metadata", zap.String("member", member.Name))
			continue
		}
		if node.ServiceType != serviceType {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// Shutdown leaves the cluster and stops gossiping
func (s *GossipSource) Shutdown(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *GossipSource) NodeMeta(limit int) []byte {
	if len(s.meta) > limit {
		s.logger.Error("Node metadata exceeds gossip limit", zap.Int("size", len(s.meta)), zap.Int("limit", limit))
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipSource) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipSource) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (s *GossipSource) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (s *GossipSource) MergeRemoteState(buf []byte, join bool) {}

type memberEvents struct {
	logger *zap.Logger
}

func (e *memberEvents) NotifyJoin(node *memberlist.Node) {
	e.logger.Info("Node joined", zap.String("node", node.Name), zap.String("addr", node.Address()))
}

func (e *memberEvents) NotifyLeave(node *memberlist.Node) {
	e.logger.Info("Node left", zap.String("node", node.Name))
}

func (e *memberEvents) NotifyUpdate(node *memberlist.Node) {
	e.logger.Debug("Node updated", zap.String("node", node.Name))
}
