// Package node assembles a running deployment: storage, transport, shard
// registry, scheduler, cross-shard coordinator and engine, wired together
// from one Config. Every component receives its dependencies explicitly; the
// node object is the only place that knows the full graph.
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/config"
	"github.com/shardx-labs/shardx/crossshard"
	"github.com/shardx-labs/shardx/engine"
	"github.com/shardx-labs/shardx/metrics"
	"github.com/shardx-labs/shardx/network"
	"github.com/shardx-labs/shardx/parallel"
	"github.com/shardx-labs/shardx/shard"
	"github.com/shardx-labs/shardx/store"
	"github.com/shardx-labs/shardx/types"
)

// Node owns the component graph for one deployment.
type Node struct {
	ID     types.NodeID
	cfg    *config.Config
	logger hclog.Logger

	db        *store.Database
	ledger    *store.Ledger
	registry  *shard.Manager
	transport *network.LocalTransport
	sched     *parallel.Scheduler
	xmgr      *crossshard.Manager
	xopt      *crossshard.Optimizer
	eng       *engine.Engine
	mets      *metrics.Metrics

	metricsSrv *http.Server
}

// New builds the full component graph. Nothing runs until Start.
func New(cfg *config.Config, logger hclog.Logger) (*Node, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:  "shardx",
			Level: hclog.LevelFromString(os.Getenv("SHARDX_LOG_LEVEL")),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		ID:     types.NodeID(uuid.NewString()),
		cfg:    cfg,
		logger: logger,
		mets:   metrics.New(),
	}

	var err error
	if cfg.DataDir == "" || cfg.DataDir == ":memory:" {
		n.db, err = store.NewInMemory(logger)
	} else {
		n.db, err = store.NewDatabase(cfg.DataDir, logger)
	}
	if err != nil {
		return nil, err
	}

	n.ledger = store.NewLedger(n.db)

	n.registry, err = shard.NewManager(cfg.Shard, logger)
	if err != nil {
		n.db.Close()
		return nil, err
	}

	// MaxParallelism is the engine's ceiling on worker threads; the
	// scheduler otherwise sizes itself to the machine.
	pcfg := cfg.Parallel
	if cfg.Engine.MaxParallelism > 0 {
		workers := pcfg.Workers
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		if workers > cfg.Engine.MaxParallelism {
			workers = cfg.Engine.MaxParallelism
		}
		pcfg.Workers = workers
	}
	n.sched = parallel.NewScheduler(pcfg, logger)
	n.transport = network.NewLocalTransport(logger)

	// Every activation, including shards a later rebalance splits off, gets
	// a participant before the shard starts receiving routed traffic.
	n.registry.SetOnShardActivated(func(info types.ShardInfo) {
		crossshard.NewParticipant(info.ID, n.ledger, logger).Register(n.transport)
		go n.pushAssignment(info)
	})
	n.registry.RegisterNode(types.NodeSpec{
		ID:       n.ID,
		CPUCores: runtime.NumCPU(),
		MemoryGB: 16,
	})

	n.xmgr, err = crossshard.NewManager(cfg.Coordinator, n.transport, n.registry, n.sched, n.db, logger)
	if err != nil {
		n.teardown()
		return nil, err
	}
	n.registry.SetDrainCheck(func(id types.ShardID) bool { return !n.xmgr.InFlight(id) })

	n.xopt = crossshard.NewOptimizer(cfg.Coordinator, n.xmgr, func(tx *types.Transaction, err error) {
		n.eng.CompleteCrossShard(tx, err)
	}, logger)

	n.eng, err = engine.New(cfg.Engine, n.registry, n.ledger, n.sched, n.xopt, n.mets, logger)
	if err != nil {
		n.teardown()
		return nil, err
	}

	return n, nil
}

// Engine exposes the transaction engine.
func (n *Node) Engine() *engine.Engine { return n.eng }

// Registry exposes the shard registry.
func (n *Node) Registry() *shard.Manager { return n.registry }

// Ledger exposes the balance and transaction-record store.
func (n *Node) Ledger() *store.Ledger { return n.ledger }

// Start launches every background loop and the metrics endpoint.
func (n *Node) Start() error {
	n.registry.Start()
	n.xmgr.Start()
	n.xopt.Start()
	n.eng.Start()

	n.broadcastAssignments()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.mets.Handler())
	n.metricsSrv = &http.Server{Addr: n.cfg.Network.BindAddress, Handler: mux}
	go func() {
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Error("metrics endpoint stopped", "error", err)
		}
	}()

	n.logger.Info("node started",
		"id", n.ID,
		"shards", n.registry.ActiveShardCount(),
		"bind", n.cfg.Network.BindAddress,
		"data_dir", n.cfg.DataDir)
	return nil
}

// Shutdown stops components in dependency order and closes storage.
func (n *Node) Shutdown() error {
	n.logger.Info("shutting down")

	if n.metricsSrv != nil {
		n.metricsSrv.Close()
	}
	n.eng.Stop()
	n.xopt.Stop()
	n.xmgr.Stop()
	n.registry.Stop()
	n.transport.Close()
	n.sched.Close()

	if err := n.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// broadcastAssignments pushes the registry's current view to every shard
// owner so participants know their co-hosting nodes.
func (n *Node) broadcastAssignments() {
	for _, info := range n.registry.ActiveShards() {
		n.pushAssignment(info)
	}
}

func (n *Node) pushAssignment(info types.ShardInfo) {
	msg := &types.Message{
		Type:       types.MsgShardAssignment,
		ShardID:    info.ID,
		Assignment: &info,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.transport.Send(ctx, info.ID, msg); err != nil {
		n.logger.Warn("assignment push failed", "shard", info.ID, "error", err)
	}
}

// teardown releases whatever New built before failing.
func (n *Node) teardown() {
	if n.transport != nil {
		n.transport.Close()
	}
	if n.sched != nil {
		n.sched.Close()
	}
	if n.registry != nil {
		n.registry.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}
}
