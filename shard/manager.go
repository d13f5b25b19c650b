// Package shard owns the set of shards, their node assignment and the
// rebalancing policy. The shard table is mutated only by CreateShard and
// Rebalance, which exclude each other; read-only lookups used by the
// coordinator run concurrently under the read lock.
package shard

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stathat/consistent"

	"github.com/shardx-labs/shardx/config"
	"github.com/shardx-labs/shardx/types"
)

// DrainCheck reports whether a shard has no in-flight work left. The registry
// never retires a shard while this returns false; in particular a shard
// holding uncommitted cross-shard state survives every rebalance.
type DrainCheck func(types.ShardID) bool

// OnShardActivated runs when a shard is promoted to Active, before the shard
// is published on the hash ring, so the owner can install handlers ahead of
// the first routed transaction. Runs under the registry lock; it must not
// call back into the Manager.
type OnShardActivated func(types.ShardInfo)

// Manager is the shard registry.
type Manager struct {
	cfg    config.ShardConfig
	logger hclog.Logger

	mu     sync.RWMutex
	shards map[types.ShardID]*types.ShardInfo
	nodes  map[types.NodeID]types.NodeSpec
	ring   *consistent.Consistent
	nextID int

	drainCheck DrainCheck
	onActivate OnShardActivated

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager builds a registry and allocates the configured initial shards.
// Shards stay Initializing until enough nodes register.
func NewManager(cfg config.ShardConfig, logger hclog.Logger) (*Manager, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger.Named("shard"),
		shards:     make(map[types.ShardID]*types.ShardInfo),
		nodes:      make(map[types.NodeID]types.NodeSpec),
		ring:       consistent.New(),
		drainCheck: func(types.ShardID) bool { return true },
		stopCh:     make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < cfg.InitialShards; i++ {
		if _, err := m.createShardLocked(fmt.Sprintf("shard-%d", i)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetDrainCheck installs the in-flight probe consulted before retiring a
// shard.
func (m *Manager) SetDrainCheck(fn DrainCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		m.drainCheck = fn
	}
}

// SetOnShardActivated installs the activation callback. Shards created by a
// later split or CreateShard call reach the callback the same way the initial
// shards do.
func (m *Manager) SetOnShardActivated(fn OnShardActivated) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onActivate = fn
}

// CreateShard allocates a new shard in Initializing state, assigns nodes and
// promotes it to Active once the minimum node count is met.
func (m *Manager) CreateShard(name string) (types.ShardID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createShardLocked(name)
}

func (m *Manager) createShardLocked(name string) (types.ShardID, error) {
	// Retired shards stay in the map for record lookups but no longer hold
	// capacity, so only live entries count against the limit.
	live := 0
	for _, info := range m.shards {
		if info.Status != types.ShardInactive {
			live++
		}
	}
	if live >= m.cfg.MaxShards {
		return "", fmt.Errorf("%w: shard limit %d reached", types.ErrInvalidOperation, m.cfg.MaxShards)
	}

	id := types.ShardID(fmt.Sprintf("shard-%d", m.nextID))
	m.nextID++

	info := &types.ShardInfo{
		ID:     id,
		Name:   name,
		Status: types.ShardInitializing,
	}
	m.shards[id] = info
	m.assignNodesLocked(info)
	m.promoteLocked(info)

	m.logger.Info("shard created", "id", id, "name", name, "status", info.Status)
	return id, nil
}

// assignNodesLocked tops a shard up to the minimum node count from the
// registered node set, preferring high-spec nodes.
func (m *Manager) assignNodesLocked(info *types.ShardInfo) {
	if len(info.Nodes) >= m.cfg.MinNodesPerShard {
		return
	}

	for _, spec := range m.nodes {
		if len(info.Nodes) >= m.cfg.MinNodesPerShard {
			break
		}
		if !info.HasNode(spec.ID) {
			info.Nodes = append(info.Nodes, spec.ID)
		}
	}
}

// promoteLocked moves an Initializing shard to Active once its node count
// satisfies the minimum, and publishes it on the hash ring. The activation
// callback fires before the ring add so handlers exist by the time addresses
// route to the shard.
func (m *Manager) promoteLocked(info *types.ShardInfo) {
	if info.Status == types.ShardInitializing && len(info.Nodes) >= m.cfg.MinNodesPerShard {
		info.Status = types.ShardActive
		if m.onActivate != nil {
			m.onActivate(*info)
		}
		m.ring.Add(string(info.ID))
	}
}

// RegisterNode adds a node to the registry and assigns it to shards still
// short of their minimum node count.
func (m *Manager) RegisterNode(spec types.NodeSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodes[spec.ID] = spec
	for _, info := range m.shards {
		if len(info.Nodes) < m.cfg.MinNodesPerShard && !info.HasNode(spec.ID) {
			info.Nodes = append(info.Nodes, spec.ID)
		}
		m.promoteLocked(info)
	}

	m.logger.Debug("node registered", "id", spec.ID, "cores", spec.CPUCores, "high_spec", spec.IsHighSpec())
}

// GetShard returns a copy of the shard record.
func (m *Manager) GetShard(id types.ShardID) (types.ShardInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.shards[id]
	if !ok {
		return types.ShardInfo{}, fmt.Errorf("%w: %s", types.ErrInvalidShardID, id)
	}
	return *info, nil
}

// HasShard reports whether id names a known shard.
func (m *Manager) HasShard(id types.ShardID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.shards[id]
	return ok
}

// ActiveShards returns copies of every Active shard.
func (m *Manager) ActiveShards() []types.ShardInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ShardInfo, 0, len(m.shards))
	for _, info := range m.shards {
		if info.Status == types.ShardActive {
			out = append(out, *info)
		}
	}
	return out
}

// AllShards returns copies of every shard regardless of status.
func (m *Manager) AllShards() []types.ShardInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ShardInfo, 0, len(m.shards))
	for _, info := range m.shards {
		out = append(out, *info)
	}
	return out
}

// ActiveShardCount returns the number of Active shards.
func (m *Manager) ActiveShardCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, info := range m.shards {
		if info.Status == types.ShardActive {
			n++
		}
	}
	return n
}

// ShardForAddress maps an address onto an Active shard via consistent
// hashing, so assignments stay stable as shards come and go.
func (m *Manager) ShardForAddress(addr string) (types.ShardID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, err := m.ring.Get(addr)
	if err != nil {
		return "", fmt.Errorf("%w: no active shards", types.ErrInvalidOperation)
	}
	return types.ShardID(member), nil
}

// UpdateLoad records the current load fraction for a shard. Load is pending
// work relative to the configured target shard size.
func (m *Manager) UpdateLoad(id types.ShardID, load float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.shards[id]; ok {
		if load < 0 {
			load = 0
		}
		info.Load = load
	}
}

// UpdateThroughput records the confirmed transaction rate attributed to a
// shard.
func (m *Manager) UpdateThroughput(id types.ShardID, tps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.shards[id]; ok {
		if tps < 0 {
			tps = 0
		}
		info.TPS = tps
	}
}

// Start runs the rebalance loop until Stop is called.
func (m *Manager) Start() {
	interval := time.Duration(m.cfg.RebalanceIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.Rebalance(); err != nil {
					m.logger.Warn("rebalance failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the rebalance loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
