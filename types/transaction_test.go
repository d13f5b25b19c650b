package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeTransactionIDDeterministic(t *testing.T) {
	a := ComputeTransactionID("alice", "bob", "10", 1, 1700000000)
	b := ComputeTransactionID("alice", "bob", "10", 1, 1700000000)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestComputeTransactionIDSensitiveToEveryField(t *testing.T) {
	base := ComputeTransactionID("alice", "bob", "10", 1, 1700000000)

	require.NotEqual(t, base, ComputeTransactionID("alicx", "bob", "10", 1, 1700000000))
	require.NotEqual(t, base, ComputeTransactionID("alice", "bxb", "10", 1, 1700000000))
	require.NotEqual(t, base, ComputeTransactionID("alice", "bob", "11", 1, 1700000000))
	require.NotEqual(t, base, ComputeTransactionID("alice", "bob", "10", 2, 1700000000))
	require.NotEqual(t, base, ComputeTransactionID("alice", "bob", "10", 1, 1700000001))
}

func TestNewTransactionDefaults(t *testing.T) {
	tx := NewTransaction("alice", "bob", "10", "1", []byte("memo"), 7, "shard-0", nil)

	require.Equal(t, ComputeTransactionID("alice", "bob", "10", 7, tx.Timestamp), tx.ID)
	require.Equal(t, TxStatusPending, tx.Status)
	require.True(t, tx.IsPending())
	require.False(t, tx.IsConfirmed())
	require.False(t, tx.IsCrossShardChild())
}

func TestTransactionCBORRoundTrip(t *testing.T) {
	height := uint64(42)
	tx := &Transaction{
		ID:          "abc",
		From:        "alice",
		To:          "bob",
		Amount:      "10.5",
		Fee:         "0.1",
		Data:        []byte{1, 2, 3},
		Nonce:       7,
		Timestamp:   1700000000,
		Signature:   []byte{9, 9},
		Status:      TxStatusConfirmed,
		ShardID:     "shard-3",
		BlockHash:   "deadbeef",
		BlockHeight: &height,
		ParentID:    "parent-1",
		PublicKey:   []byte{4, 5},
	}

	data, err := tx.Marshal()
	require.NoError(t, err)

	var got Transaction
	require.NoError(t, got.Unmarshal(data))
	require.Equal(t, *tx, got)
	require.True(t, got.IsCrossShardChild())
}

func TestMessageCBORRoundTrip(t *testing.T) {
	msg := &Message{
		Type:          MsgPrepare,
		TransactionID: "tx-1",
		ShardID:       "shard-0",
		Transaction:   NewTransaction("alice", "bob", "10", "1", nil, 1, "shard-0", nil),
		Success:       true,
		Reason:        "ok",
	}

	data, err := msg.Marshal()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.Unmarshal(data))
	require.Equal(t, msg.Type, got.Type)
	require.Equal(t, msg.TransactionID, got.TransactionID)
	require.Equal(t, msg.Transaction.ID, got.Transaction.ID)
	require.True(t, got.Success)
}

func TestTransactionAge(t *testing.T) {
	tx := &Transaction{Timestamp: time.Now().Add(-time.Hour).Unix()}
	age := tx.Age(time.Now())
	require.InDelta(t, time.Hour.Seconds(), age.Seconds(), 2)
}
