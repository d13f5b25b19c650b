// Package network carries coordinator messages between shards. Two transports
// implement the same interface: an in-process one for single-node deployments
// and tests, and a websocket one for shards hosted across nodes.
package network

import (
	"context"

	"github.com/shardx-labs/shardx/types"
)

// HandlerFunc processes an inbound message for a shard and returns the reply,
// or nil when no reply is expected.
type HandlerFunc func(ctx context.Context, msg *types.Message) (*types.Message, error)

// Transport delivers messages to shard-side handlers. Send blocks until the
// reply arrives, the handler fails, or ctx expires.
type Transport interface {
	Send(ctx context.Context, shard types.ShardID, msg *types.Message) (*types.Message, error)
	Handle(shard types.ShardID, fn HandlerFunc)
	Close() error
}
