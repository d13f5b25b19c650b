package shard

import (
	"errors"
	"sort"

	"github.com/shardx-labs/shardx/types"
)

// Rebalance inspects reported shard loads and adjusts the topology in three
// escalating steps: move spare nodes from cold shards to hot ones when the
// load spread exceeds the configured threshold, split a shard that runs past
// its target size when node moves cannot help, and retire a fully drained
// idle shard when the fleet is above its minimum. Each call makes at most one
// topology change so load reports can settle between adjustments.
func (m *Manager) Rebalance() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]*types.ShardInfo, 0, len(m.shards))
	for _, info := range m.shards {
		if info.Status == types.ShardActive {
			active = append(active, info)
		}
	}
	if len(active) < 2 {
		return nil
	}

	sort.Slice(active, func(i, j int) bool { return active[i].Load > active[j].Load })
	hottest := active[0]
	coldest := active[len(active)-1]

	if hottest.Load-coldest.Load > m.cfg.RebalanceThreshold {
		if m.moveNodeLocked(coldest, hottest) {
			return nil
		}
		// Load above 1.0 means the shard carries more pending work than
		// its target size; node moves alone cannot fix that.
		if hottest.Load > 1.0 {
			return m.splitLocked(hottest)
		}
		return nil
	}

	if coldest.Load == 0 && len(active) > m.cfg.MinShards {
		m.retireLocked(coldest)
	}
	return nil
}

// moveNodeLocked shifts one node from src to dst when src can spare it and
// dst has room. Reports whether a move happened.
func (m *Manager) moveNodeLocked(src, dst *types.ShardInfo) bool {
	if src == dst {
		return false
	}
	if len(src.Nodes) <= m.cfg.MinNodesPerShard {
		return false
	}
	if len(dst.Nodes) >= m.cfg.MaxNodesPerShard {
		return false
	}

	moved := src.Nodes[len(src.Nodes)-1]
	src.Nodes = src.Nodes[:len(src.Nodes)-1]
	dst.Nodes = append(dst.Nodes, moved)

	m.logger.Info("node moved", "node", moved, "from", src.ID, "to", dst.ID)
	return true
}

// splitLocked allocates a sibling shard next to an overloaded one. The hash
// ring takes over address redistribution once the sibling goes Active.
func (m *Manager) splitLocked(hot *types.ShardInfo) error {
	id, err := m.createShardLocked(hot.Name + "-split")
	if err != nil {
		if errors.Is(err, types.ErrInvalidOperation) {
			m.logger.Warn("cannot split, shard limit reached", "shard", hot.ID, "load", hot.Load)
			return nil
		}
		return err
	}
	m.logger.Info("shard split", "hot", hot.ID, "load", hot.Load, "new", id)
	return nil
}

// retireLocked takes a cold shard through Terminating to Inactive, but only
// once the drain probe confirms nothing is in flight. A shard that fails the
// probe stays Active and is reconsidered on the next cycle.
func (m *Manager) retireLocked(cold *types.ShardInfo) {
	if !m.drainCheck(cold.ID) {
		m.logger.Debug("retire deferred, shard not drained", "shard", cold.ID)
		return
	}

	cold.Status = types.ShardTerminating
	m.ring.Remove(string(cold.ID))
	cold.Status = types.ShardInactive
	cold.Nodes = nil

	m.logger.Info("shard retired", "shard", cold.ID)
}
