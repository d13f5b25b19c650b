package types

import "github.com/fxamacker/cbor/v2"

// The message types below are the wire vocabulary between the coordinator and
// remote shard owners. Sends are single-shot at the transport level; the
// coordinator owns the retry and timeout policy per round.

// MessageType tags a transport message.
type MessageType string

const (
	// Cross-shard two-phase commit
	MsgPrepare    MessageType = "PREPARE"
	MsgPrepareAck MessageType = "PREPARE_ACK"
	MsgCommit     MessageType = "COMMIT"
	MsgCommitAck  MessageType = "COMMIT_ACK"
	MsgAbort      MessageType = "ABORT"

	// Shard lifecycle
	MsgShardAssignment MessageType = "SHARD_ASSIGNMENT"
)

// Message is the envelope carried by the transport between the core and shard
// owners.
type Message struct {
	Type          MessageType  `cbor:"1,keyasint"`
	TransactionID string       `cbor:"2,keyasint,omitempty"`
	ShardID       ShardID      `cbor:"3,keyasint,omitempty"`
	Transaction   *Transaction `cbor:"4,keyasint,omitempty"`
	Success       bool         `cbor:"5,keyasint,omitempty"`
	Reason        string       `cbor:"6,keyasint,omitempty"`
	Assignment    *ShardInfo   `cbor:"7,keyasint,omitempty"`
}

// Marshal serializes the message into CBOR format.
func (m *Message) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// Unmarshal deserializes the message from CBOR format.
func (m *Message) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, m)
}
