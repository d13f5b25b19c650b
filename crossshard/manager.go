package crossshard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/config"
	"github.com/shardx-labs/shardx/network"
	"github.com/shardx-labs/shardx/parallel"
	"github.com/shardx-labs/shardx/shard"
	"github.com/shardx-labs/shardx/store"
	"github.com/shardx-labs/shardx/types"
)

// IntentStore is the slice of the storage layer the coordinator needs for its
// durable intent log.
type IntentStore interface {
	types.Store
	ScanPrefix(prefix []byte, fn func(key, value []byte) error) error
}

type txState struct {
	parent   *types.Transaction
	children []*types.Transaction
	acked    []types.ShardID
	status   Status
	started  time.Time
	done     time.Time
}

// Manager coordinates cross-shard transfers with a two-phase protocol. An
// intent record is written before the prepare fan-out and deleted on every
// terminal outcome, so a coordinator restart can identify in-doubt transfers
// and resolve them by aborting (presumed abort). Commits go out only after
// every participant has acknowledged its prepare.
type Manager struct {
	cfg       config.CoordinatorConfig
	transport network.Transport
	registry  *shard.Manager
	sched     *parallel.Scheduler
	db        IntentStore
	logger    hclog.Logger

	mu     sync.Mutex
	active map[string]*txState

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager builds the coordinator and resolves any intents left behind by a
// previous run before accepting new work.
func NewManager(cfg config.CoordinatorConfig, transport network.Transport, registry *shard.Manager, sched *parallel.Scheduler, db IntentStore, logger hclog.Logger) (*Manager, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		sched:     sched,
		db:        db,
		logger:    logger.Named("crossshard"),
		active:    make(map[string]*txState),
		stopCh:    make(chan struct{}),
	}

	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

// recover scans the intent log and force-aborts every in-doubt transfer. An
// intent with no terminal outcome means the crash happened somewhere between
// prepare fan-out and the last commit ack; aborting is the only decision the
// coordinator can still prove safe.
func (m *Manager) recover() error {
	type intent struct {
		id string
		tx types.Transaction
	}
	var found []intent

	err := m.db.ScanPrefix([]byte(store.IntentPrefix), func(key, value []byte) error {
		var tx types.Transaction
		if err := tx.Unmarshal(value); err != nil {
			m.logger.Error("undecodable intent record", "key", string(key), "error", err)
			return nil
		}
		found = append(found, intent{id: strings.TrimPrefix(string(key), store.IntentPrefix), tx: tx})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan intent log: %w", err)
	}

	for _, in := range found {
		m.logger.Warn("aborting in-doubt transfer from previous run", "tx", in.id)
		m.abortEverywhere(context.Background(), in.id, m.shardsOf(&in.tx))
		if err := m.db.Delete(store.IntentKey(in.id)); err != nil {
			return err
		}
	}
	return nil
}

// shardsOf resolves the shards a parent touches, best effort. Used only on
// the recovery path where the original resolution is gone.
func (m *Manager) shardsOf(parent *types.Transaction) []types.ShardID {
	var shards []types.ShardID
	if from, err := m.registry.ShardForAddress(parent.From); err == nil {
		shards = append(shards, from)
	}
	if to, err := m.registry.ShardForAddress(parent.To); err == nil && (len(shards) == 0 || to != shards[0]) {
		shards = append(shards, to)
	}
	return shards
}

// IsCrossShard resolves both endpoints and reports whether they live on
// different shards.
func (m *Manager) IsCrossShard(tx *types.Transaction) (bool, types.ShardID, types.ShardID, error) {
	fromShard, err := m.registry.ShardForAddress(tx.From)
	if err != nil {
		return false, "", "", err
	}
	toShard, err := m.registry.ShardForAddress(tx.To)
	if err != nil {
		return false, "", "", err
	}
	return fromShard != toShard, fromShard, toShard, nil
}

// InFlight reports whether any unresolved transfer touches the shard. Wired
// into the registry as its drain probe.
func (m *Manager) InFlight(shardID types.ShardID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.active {
		if st.status.Terminal() {
			continue
		}
		for _, child := range st.children {
			if child.ShardID == shardID {
				return true
			}
		}
	}
	return false
}

// Status returns the coordinator's view of a transfer.
func (m *Manager) Status(parentID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.active[parentID]
	if !ok {
		return "", fmt.Errorf("%w: transaction %s", types.ErrNotFound, parentID)
	}
	return st.status, nil
}

// Execute drives one parent transfer to a terminal state. It returns nil only
// when every participant committed; any other outcome leaves balances
// untouched.
func (m *Manager) Execute(ctx context.Context, parent *types.Transaction) error {
	crossShard, fromShard, toShard, err := m.IsCrossShard(parent)
	if err != nil {
		return err
	}
	if !crossShard {
		return fmt.Errorf("%w: %s resolves to a single shard", types.ErrInvalidOperation, parent.ID)
	}
	if !m.registry.HasShard(fromShard) || !m.registry.HasShard(toShard) {
		return fmt.Errorf("%w: %s or %s", types.ErrInvalidShardID, fromShard, toShard)
	}

	children, err := Decompose(parent, fromShard, toShard)
	if err != nil {
		return err
	}

	st, err := m.admit(parent, children)
	if err != nil {
		return err
	}

	if err := m.writeIntent(parent); err != nil {
		m.finish(st, StatusAborted)
		return err
	}

	m.setStatus(st, StatusPreparing)

	acked, prepErr := m.prepareAll(ctx, parent, children)
	if prepErr != nil {
		m.abortEverywhere(ctx, parent.ID, acked)
		m.clearIntent(parent.ID)
		m.finish(st, StatusAborted)
		return fmt.Errorf("prepare %s: %w", parent.ID, prepErr)
	}

	// Unanimous prepare makes the commit decision. From here the transfer
	// must never resolve as Aborted; the watchdog leaves Committing
	// transfers to the intent log.
	m.setStatus(st, StatusCommitting)

	if err := m.commitAll(ctx, parent, children); err != nil {
		// The commit decision stands; the intent record stays so a
		// restart can see the transfer is unresolved.
		return fmt.Errorf("commit %s: %w", parent.ID, err)
	}

	m.clearIntent(parent.ID)
	m.finish(st, StatusCommitted)
	m.recordParent(parent, fromShard)
	return nil
}

// admit registers the transfer, rejecting a parent already in flight.
func (m *Manager) admit(parent *types.Transaction, children []*types.Transaction) (*txState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[parent.ID]; ok && !existing.status.Terminal() {
		return nil, fmt.Errorf("%w: %s already in flight", types.ErrDuplicateTransaction, parent.ID)
	}

	st := &txState{
		parent:   parent,
		children: children,
		status:   StatusPending,
		started:  time.Now(),
	}
	m.active[parent.ID] = st
	return st, nil
}

func (m *Manager) setStatus(st *txState, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.status = s
}

// finish records a terminal outcome. A status that is already terminal never
// changes again.
func (m *Manager) finish(st *txState, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.status.Terminal() {
		return
	}
	st.status = s
	st.done = time.Now()
}

func (m *Manager) writeIntent(parent *types.Transaction) error {
	data, err := parent.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	return m.db.Set(store.IntentKey(parent.ID), data)
}

func (m *Manager) clearIntent(parentID string) {
	if err := m.db.Delete(store.IntentKey(parentID)); err != nil {
		m.logger.Error("clear intent failed", "tx", parentID, "error", err)
	}
}

// prepareAll fans prepares out to every participant and returns the shards
// that acknowledged. The first rejection or exhausted retry fails the phase.
func (m *Manager) prepareAll(ctx context.Context, parent *types.Transaction, children []*types.Transaction) ([]types.ShardID, error) {
	var (
		mu    sync.Mutex
		acked []types.ShardID
	)

	errs := parallel.Process(m.sched, children, func(child *types.Transaction) error {
		msg := &types.Message{
			Type:          types.MsgPrepare,
			TransactionID: parent.ID,
			ShardID:       child.ShardID,
			Transaction:   child,
		}
		reply, err := m.sendWithRetry(ctx, child.ShardID, msg)
		if err != nil {
			return err
		}
		if !reply.Success {
			return fmt.Errorf("%w: shard %s rejected prepare: %s", types.ErrInvalidTransaction, child.ShardID, reply.Reason)
		}

		mu.Lock()
		acked = append(acked, child.ShardID)
		mu.Unlock()
		return nil
	})

	for _, err := range errs {
		if err != nil {
			return acked, err
		}
	}
	return acked, nil
}

// commitAll fans the commit decision out to every participant.
func (m *Manager) commitAll(ctx context.Context, parent *types.Transaction, children []*types.Transaction) error {
	errs := parallel.Process(m.sched, children, func(child *types.Transaction) error {
		msg := &types.Message{
			Type:          types.MsgCommit,
			TransactionID: parent.ID,
			ShardID:       child.ShardID,
		}
		reply, err := m.sendWithRetry(ctx, child.ShardID, msg)
		if err != nil {
			return err
		}
		if !reply.Success {
			return fmt.Errorf("%w: shard %s failed commit: %s", types.ErrInternal, child.ShardID, reply.Reason)
		}
		return nil
	})

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// abortEverywhere releases reservations on the shards that acked a prepare.
// Abort is idempotent on the participant side, so over-sending is harmless.
func (m *Manager) abortEverywhere(ctx context.Context, parentID string, shards []types.ShardID) {
	for _, shardID := range shards {
		msg := &types.Message{
			Type:          types.MsgAbort,
			TransactionID: parentID,
			ShardID:       shardID,
		}
		if _, err := m.sendWithRetry(ctx, shardID, msg); err != nil {
			m.logger.Error("abort delivery failed", "tx", parentID, "shard", shardID, "error", err)
		}
	}
}

// sendWithRetry delivers one message with the configured per-attempt timeout
// and retry budget. A logical rejection (Success=false) is returned to the
// caller without retrying; only transport failures burn retries.
func (m *Manager) sendWithRetry(ctx context.Context, shardID types.ShardID, msg *types.Message) (*types.Message, error) {
	attempts := m.cfg.RetryCount + 1
	timeout := time.Duration(m.cfg.TimeoutSec) * time.Second
	retryWait := time.Duration(m.cfg.RetryIntervalMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryWait):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", types.ErrTimeout, ctx.Err())
			case <-m.stopCh:
				return nil, fmt.Errorf("%w: coordinator stopped", types.ErrInvalidOperation)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := m.transport.Send(attemptCtx, shardID, msg)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		m.logger.Debug("send attempt failed", "shard", shardID, "type", msg.Type, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w: shard %s unreachable after %d attempts: %v", types.ErrTimeout, shardID, attempts, lastErr)
}

// recordParent persists the committed parent under the cross-shard record
// prefix. The sender's shard id is kept on the record for attribution.
func (m *Manager) recordParent(parent *types.Transaction, fromShard types.ShardID) {
	confirmed := *parent
	confirmed.Status = types.TxStatusConfirmed
	confirmed.ShardID = fromShard
	data, err := confirmed.Marshal()
	if err != nil {
		m.logger.Error("marshal parent record", "tx", parent.ID, "error", err)
		return
	}
	if err := m.db.Set(store.CrossShardKey(parent.ID), data); err != nil {
		m.logger.Error("persist parent record", "tx", parent.ID, "error", err)
	}
}

// Start launches the watchdog and the terminal-state cleanup loop.
func (m *Manager) Start() {
	go m.watchdog()
	go m.cleanupLoop()
}

// Stop terminates the background loops. In-flight Executes fail their next
// retry wait.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// watchdog force-aborts transfers stuck in the prepare phase past the
// protocol deadline, covering callers that disappeared mid-Execute.
func (m *Manager) watchdog() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapStuck()
		}
	}
}

func (m *Manager) reapStuck() {
	deadline := time.Duration(m.cfg.TimeoutSec) * time.Second * time.Duration(m.cfg.RetryCount+1)

	m.mu.Lock()
	var stuck []*txState
	for _, st := range m.active {
		// Once the commit decision is made, aborting would undo applied
		// steps. A transfer stuck in Committing stays in doubt; its intent
		// record survives and recovery on the next run resolves it.
		if st.status == StatusCommitting || st.status.Terminal() {
			continue
		}
		if time.Since(st.started) > deadline {
			st.status = StatusAborted
			st.done = time.Now()
			stuck = append(stuck, st)
		}
	}
	m.mu.Unlock()

	for _, st := range stuck {
		m.logger.Warn("force-aborting stuck transfer", "tx", st.parent.ID)
		shards := make([]types.ShardID, 0, len(st.children))
		for _, child := range st.children {
			shards = append(shards, child.ShardID)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.TimeoutSec)*time.Second)
		m.abortEverywhere(ctx, st.parent.ID, shards)
		cancel()
		m.clearIntent(st.parent.ID)
	}
}

// cleanupLoop drops terminal records once they age out, bounding the memory
// held for completed transfers.
func (m *Manager) cleanupLoop() {
	interval := time.Duration(m.cfg.CleanupIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup(interval)
		}
	}
}

func (m *Manager) cleanup(retention time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, st := range m.active {
		if st.status.Terminal() && time.Since(st.done) > retention {
			delete(m.active, id)
		}
	}
}
