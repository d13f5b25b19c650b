// Package crossshard implements atomic transfers between addresses living on
// different shards. A parent transaction is decomposed into one child step per
// participating shard and driven through a two-phase protocol by the Manager;
// each shard runs a Participant that prepares, commits or aborts its own step.
package crossshard

import (
	"fmt"

	"github.com/shardx-labs/shardx/amount"
	"github.com/shardx-labs/shardx/types"
)

// Status is the coordinator-side lifecycle of a cross-shard transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPreparing  Status = "preparing"
	StatusCommitting Status = "committing"
	StatusCommitted  Status = "committed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// Child step kinds, carried in the child transaction's Data field so the
// receiving shard knows which side of the transfer it holds.
var (
	stepDebit  = []byte{0x01}
	stepCredit = []byte{0x02}
)

func isDebitStep(tx *types.Transaction) bool {
	return len(tx.Data) == 1 && tx.Data[0] == stepDebit[0]
}

func isCreditStep(tx *types.Transaction) bool {
	return len(tx.Data) == 1 && tx.Data[0] == stepCredit[0]
}

// Decompose splits a parent transfer into a debit step on the sender's shard
// and a credit step on the receiver's shard. The fee is split across the
// steps so the step fees sum exactly to the parent fee; each shard retains
// its own share when the step is applied, so the value removed from the
// sender minus the value credited to the receiver equals the parent fee.
func Decompose(parent *types.Transaction, fromShard, toShard types.ShardID) ([]*types.Transaction, error) {
	if fromShard == toShard {
		return nil, fmt.Errorf("%w: %s is not cross-shard", types.ErrInvalidOperation, parent.ID)
	}
	if !amount.IsPositive(parent.Amount) {
		return nil, fmt.Errorf("%w: amount %q must be positive", types.ErrInvalidTransaction, parent.Amount)
	}

	fee := parent.Fee
	if fee == "" {
		fee = "0"
	}
	feeShares, err := amount.Split(fee, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: fee %q: %v", types.ErrInvalidTransaction, parent.Fee, err)
	}

	debit := childStep(parent, fromShard, 0, feeShares[0], stepDebit)
	credit := childStep(parent, toShard, 1, feeShares[1], stepCredit)
	return []*types.Transaction{debit, credit}, nil
}

func childStep(parent *types.Transaction, shardID types.ShardID, idx int, fee string, kind []byte) *types.Transaction {
	return &types.Transaction{
		ID:        fmt.Sprintf("%s-%d", parent.ID, idx),
		From:      parent.From,
		To:        parent.To,
		Amount:    parent.Amount,
		Fee:       fee,
		Data:      kind,
		Nonce:     parent.Nonce,
		Timestamp: parent.Timestamp,
		Status:    types.TxStatusPending,
		ShardID:   shardID,
		ParentID:  parent.ID,
	}
}
