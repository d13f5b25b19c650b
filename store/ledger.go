package store

import (
	"errors"
	"fmt"

	"github.com/shardx-labs/shardx/amount"
	"github.com/shardx-labs/shardx/types"
)

// Ledger provides the shard-scoped balance and transaction-record operations
// the processors need on top of the raw key-value store.
type Ledger struct {
	store types.Store
}

// NewLedger wraps a store.
func NewLedger(s types.Store) *Ledger {
	return &Ledger{store: s}
}

// GetBalance returns the decimal-string balance for addr on shardID. A
// missing key reads as "0".
func (l *Ledger) GetBalance(shardID types.ShardID, addr string) (string, error) {
	val, err := l.store.Get(BalanceKey(shardID, addr))
	if errors.Is(err, types.ErrNotFound) {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// SetBalance overwrites the balance for addr on shardID.
func (l *Ledger) SetBalance(shardID types.ShardID, addr, balance string) error {
	return l.store.Set(BalanceKey(shardID, addr), []byte(balance))
}

// Credit adds delta to the balance of addr on shardID.
func (l *Ledger) Credit(shardID types.ShardID, addr, delta string) error {
	bal, err := l.GetBalance(shardID, addr)
	if err != nil {
		return err
	}
	next, err := amount.Add(bal, delta)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidTransaction, err)
	}
	return l.SetBalance(shardID, addr, next)
}

// Debit subtracts delta from the balance of addr on shardID. The balance may
// go negative; feasibility checks belong to the prepare phase, not here.
func (l *Ledger) Debit(shardID types.ShardID, addr, delta string) error {
	bal, err := l.GetBalance(shardID, addr)
	if err != nil {
		return err
	}
	next, err := amount.Sub(bal, delta)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidTransaction, err)
	}
	return l.SetBalance(shardID, addr, next)
}

// PutTransaction persists a transaction record under its shard scope.
func (l *Ledger) PutTransaction(tx *types.Transaction) error {
	data, err := tx.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	return l.store.Set(TransactionKey(tx.ShardID, tx.ID), data)
}

// GetTransaction loads a persisted transaction record.
func (l *Ledger) GetTransaction(shardID types.ShardID, txID string) (*types.Transaction, error) {
	data, err := l.store.Get(TransactionKey(shardID, txID))
	if err != nil {
		return nil, err
	}
	var tx types.Transaction
	if err := tx.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return &tx, nil
}
