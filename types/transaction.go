package types

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// TransactionStatus tracks the lifecycle of a transaction inside the engine.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusConfirmed TransactionStatus = "confirmed"
	TxStatusFailed    TransactionStatus = "failed"
)

// Transaction defines the structure for transfers processed by the engine.
// Amount and Fee are decimal strings to avoid float rounding on the wire.
type Transaction struct {
	ID          string            `cbor:"1,keyasint"`
	From        string            `cbor:"2,keyasint"`
	To          string            `cbor:"3,keyasint"`
	Amount      string            `cbor:"4,keyasint"`
	Fee         string            `cbor:"5,keyasint"`
	Data        []byte            `cbor:"6,keyasint,omitempty"`
	Nonce       uint64            `cbor:"7,keyasint"`
	Timestamp   int64             `cbor:"8,keyasint"`
	Signature   []byte            `cbor:"9,keyasint,omitempty"`
	Status      TransactionStatus `cbor:"10,keyasint"`
	ShardID     ShardID           `cbor:"11,keyasint"`
	BlockHash   string            `cbor:"12,keyasint,omitempty"`
	BlockHeight *uint64           `cbor:"13,keyasint,omitempty"`
	ParentID    string            `cbor:"14,keyasint,omitempty"`
	PublicKey   []byte            `cbor:"15,keyasint,omitempty"`
}

// NewTransaction builds a pending transaction and derives its ID from the
// identity fields.
func NewTransaction(from, to, amount, fee string, data []byte, nonce uint64, shardID ShardID, signature []byte) *Transaction {
	ts := time.Now().Unix()
	return &Transaction{
		ID:        ComputeTransactionID(from, to, amount, nonce, ts),
		From:      from,
		To:        to,
		Amount:    amount,
		Fee:       fee,
		Data:      data,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: signature,
		Status:    TxStatusPending,
		ShardID:   shardID,
	}
}

// ComputeTransactionID derives the deterministic transaction digest from the
// identity fields. The same inputs always produce the same id.
func ComputeTransactionID(from, to, amount string, nonce uint64, timestamp int64) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(from))
	h.Write([]byte(to))
	h.Write([]byte(amount))
	h.Write([]byte(strconv.FormatUint(nonce, 10)))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// SigningPayload returns the bytes a signature covers. The id is itself a
// digest of the identity fields, so signing it binds all of them.
func (tx *Transaction) SigningPayload() []byte {
	return []byte(tx.ID)
}

// IsCrossShardChild reports whether this transaction is a sub-step of a
// cross-shard transaction. ParentID is set iff the transaction is a child.
func (tx *Transaction) IsCrossShardChild() bool {
	return tx.ParentID != ""
}

func (tx *Transaction) IsPending() bool   { return tx.Status == TxStatusPending }
func (tx *Transaction) IsConfirmed() bool { return tx.Status == TxStatusConfirmed }
func (tx *Transaction) IsFailed() bool    { return tx.Status == TxStatusFailed }

// Age returns how long ago the transaction was created.
func (tx *Transaction) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(tx.Timestamp, 0))
}

// Marshal serializes the transaction into CBOR format.
func (tx *Transaction) Marshal() ([]byte, error) {
	return cbor.Marshal(tx)
}

// Unmarshal deserializes the transaction from CBOR format.
func (tx *Transaction) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, tx)
}
