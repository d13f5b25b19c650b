package crossshard

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/amount"
	"github.com/shardx-labs/shardx/network"
	"github.com/shardx-labs/shardx/store"
	"github.com/shardx-labs/shardx/types"
)

// Participant executes one shard's side of the two-phase protocol. Prepare
// validates and reserves the step, Commit applies it to the ledger, Abort
// releases the reservation without touching balances. Prepared steps survive
// in memory only; a participant restart surfaces as a failed commit and the
// coordinator's recovery path aborts the parent.
type Participant struct {
	shardID types.ShardID
	ledger  *store.Ledger
	logger  hclog.Logger

	mu         sync.Mutex
	prepared   map[string]*types.Transaction // parent id -> reserved child step
	reserved   map[string]string             // sender address -> total reserved
	assignment *types.ShardInfo              // last registry snapshot received
}

// NewParticipant builds the shard-side handler.
func NewParticipant(shardID types.ShardID, ledger *store.Ledger, logger hclog.Logger) *Participant {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Participant{
		shardID:  shardID,
		ledger:   ledger,
		logger:   logger.Named("crossshard").With("shard", shardID),
		prepared: make(map[string]*types.Transaction),
		reserved: make(map[string]string),
	}
}

// Register installs the participant as the shard's message handler.
func (p *Participant) Register(t network.Transport) {
	t.Handle(p.shardID, p.HandleMessage)
}

// PreparedCount returns the number of steps reserved but not yet resolved.
// The registry's drain probe consults this before retiring the shard.
func (p *Participant) PreparedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prepared)
}

// HandleMessage dispatches an inbound protocol message.
func (p *Participant) HandleMessage(ctx context.Context, msg *types.Message) (*types.Message, error) {
	switch msg.Type {
	case types.MsgPrepare:
		return p.handlePrepare(msg)
	case types.MsgCommit:
		return p.handleCommit(msg)
	case types.MsgAbort:
		return p.handleAbort(msg)
	case types.MsgShardAssignment:
		return p.handleAssignment(msg)
	default:
		return nil, fmt.Errorf("%w: message type %s", types.ErrInvalidOperation, msg.Type)
	}
}

func (p *Participant) handlePrepare(msg *types.Message) (*types.Message, error) {
	child := msg.Transaction
	if child == nil || child.ParentID == "" {
		return p.nack(msg, types.MsgPrepareAck, "prepare carries no child step"), nil
	}
	if !isDebitStep(child) && !isCreditStep(child) {
		return p.nack(msg, types.MsgPrepareAck, "unknown step kind"), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.prepared[child.ParentID]; ok {
		// Retried prepare for the same step is idempotent.
		if existing.ID == child.ID {
			return p.ack(msg, types.MsgPrepareAck), nil
		}
		return p.nack(msg, types.MsgPrepareAck, "conflicting step already prepared"), nil
	}

	if isDebitStep(child) {
		if err := p.checkFunds(child); err != nil {
			return p.nack(msg, types.MsgPrepareAck, err.Error()), nil
		}
		p.reserve(child)
	}

	p.prepared[child.ParentID] = child
	p.logger.Debug("step prepared", "parent", child.ParentID, "step", child.ID)
	return p.ack(msg, types.MsgPrepareAck), nil
}

// checkFunds verifies the sender can cover the step net of amounts already
// reserved by other in-flight transfers from the same address.
func (p *Participant) checkFunds(child *types.Transaction) error {
	bal, err := p.ledger.GetBalance(p.shardID, child.From)
	if err != nil {
		return err
	}

	needed, err := amount.Add(child.Amount, child.Fee)
	if err != nil {
		return err
	}
	if held, ok := p.reserved[child.From]; ok {
		needed, err = amount.Add(needed, held)
		if err != nil {
			return err
		}
	}

	cmp, err := amount.Cmp(bal, needed)
	if err != nil {
		return err
	}
	if cmp < 0 {
		return fmt.Errorf("insufficient balance: have %s, need %s", bal, needed)
	}
	return nil
}

func (p *Participant) reserve(child *types.Transaction) {
	total, _ := amount.Add(child.Amount, child.Fee)
	if held, ok := p.reserved[child.From]; ok {
		total, _ = amount.Add(total, held)
	}
	p.reserved[child.From] = total
}

func (p *Participant) release(child *types.Transaction) {
	if !isDebitStep(child) {
		return
	}
	held, ok := p.reserved[child.From]
	if !ok {
		return
	}
	total, _ := amount.Add(child.Amount, child.Fee)
	remaining, _ := amount.Sub(held, total)
	if amount.IsPositive(remaining) {
		p.reserved[child.From] = remaining
	} else {
		delete(p.reserved, child.From)
	}
}

func (p *Participant) handleCommit(msg *types.Message) (*types.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	child, ok := p.prepared[msg.TransactionID]
	if !ok {
		return p.nack(msg, types.MsgCommitAck, "no prepared step for transaction"), nil
	}

	if err := p.apply(child); err != nil {
		p.logger.Error("commit failed", "parent", child.ParentID, "error", err)
		return p.nack(msg, types.MsgCommitAck, err.Error()), nil
	}

	p.release(child)
	delete(p.prepared, msg.TransactionID)
	p.logger.Debug("step committed", "parent", child.ParentID, "step", child.ID)
	return p.ack(msg, types.MsgCommitAck), nil
}

// apply moves the step's value on the shard ledger and persists the child
// record as confirmed.
func (p *Participant) apply(child *types.Transaction) error {
	if isDebitStep(child) {
		total, err := amount.Add(child.Amount, child.Fee)
		if err != nil {
			return err
		}
		if err := p.ledger.Debit(p.shardID, child.From, total); err != nil {
			return err
		}
	} else {
		credited, err := amount.Sub(child.Amount, child.Fee)
		if err != nil {
			return err
		}
		if err := p.ledger.Credit(p.shardID, child.To, credited); err != nil {
			return err
		}
	}

	confirmed := *child
	confirmed.Status = types.TxStatusConfirmed
	return p.ledger.PutTransaction(&confirmed)
}

func (p *Participant) handleAbort(msg *types.Message) (*types.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if child, ok := p.prepared[msg.TransactionID]; ok {
		p.release(child)
		delete(p.prepared, msg.TransactionID)
		p.logger.Debug("step aborted", "parent", msg.TransactionID)
	}
	// Aborting an unknown transaction is a no-op; the ack lets the
	// coordinator make abort idempotent.
	return p.ack(msg, types.MsgAbort), nil
}

// handleAssignment records the registry's view of this shard. The snapshot
// tells the participant which nodes co-host the shard after a rebalance.
func (p *Participant) handleAssignment(msg *types.Message) (*types.Message, error) {
	if msg.Assignment == nil || msg.Assignment.ID != p.shardID {
		return p.nack(msg, types.MsgShardAssignment, "assignment does not match shard"), nil
	}

	p.mu.Lock()
	snapshot := *msg.Assignment
	p.assignment = &snapshot
	p.mu.Unlock()

	p.logger.Debug("assignment updated", "nodes", len(snapshot.Nodes), "status", snapshot.Status)
	return p.ack(msg, types.MsgShardAssignment), nil
}

// Assignment returns the last registry snapshot delivered to this shard, or
// nil if none arrived yet.
func (p *Participant) Assignment() *types.ShardInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assignment
}

func (p *Participant) ack(msg *types.Message, t types.MessageType) *types.Message {
	return &types.Message{
		Type:          t,
		TransactionID: msg.TransactionID,
		ShardID:       p.shardID,
		Success:       true,
	}
}

func (p *Participant) nack(msg *types.Message, t types.MessageType, reason string) *types.Message {
	return &types.Message{
		Type:          t,
		TransactionID: msg.TransactionID,
		ShardID:       p.shardID,
		Success:       false,
		Reason:        reason,
	}
}
