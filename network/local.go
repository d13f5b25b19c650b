package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/types"
)

// LocalTransport routes messages between shards hosted in the same process.
// Each registered shard gets a dispatch goroutine draining its own queue, so
// a slow participant delays only its own traffic.
type LocalTransport struct {
	logger hclog.Logger

	mu        sync.RWMutex
	endpoints map[types.ShardID]*localEndpoint

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// localEndpoint is one shard's queue plus the stop channel of the dispatch
// loop currently draining it. Replacing a handler closes stop and hands the
// same queue to a fresh loop, so queued messages survive the swap.
type localEndpoint struct {
	queue chan localEnvelope
	stop  chan struct{}
}

type localEnvelope struct {
	ctx   context.Context
	msg   *types.Message
	reply chan localReply
}

type localReply struct {
	msg *types.Message
	err error
}

// NewLocalTransport creates an in-process transport.
func NewLocalTransport(logger hclog.Logger) *LocalTransport {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LocalTransport{
		logger: logger.Named("network"),
		endpoints: make(map[types.ShardID]*localEndpoint),
		closed: make(chan struct{}),
	}
}

// Handle registers the handler for a shard and starts its dispatch loop.
// Registering a shard twice stops the previous loop and keeps its queue, so
// already enqueued messages reach the replacement handler.
func (t *LocalTransport) Handle(shard types.ShardID, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	queue := make(chan localEnvelope, 64)
	if old, ok := t.endpoints[shard]; ok {
		t.logger.Warn("handler replaced", "shard", shard)
		close(old.stop)
		queue = old.queue
	}

	ep := &localEndpoint{queue: queue, stop: make(chan struct{})}
	t.endpoints[shard] = ep

	t.wg.Add(1)
	go t.dispatch(shard, ep, fn)
}

func (t *LocalTransport) dispatch(shard types.ShardID, ep *localEndpoint, fn HandlerFunc) {
	defer t.wg.Done()

	for {
		select {
		case <-t.closed:
			return
		case <-ep.stop:
			return
		case env := <-ep.queue:
			select {
			case <-ep.stop:
				// A replacement loop owns the queue now; hand the message
				// back instead of serving it with the displaced handler.
				select {
				case ep.queue <- env:
				case <-t.closed:
				}
				return
			default:
			}
			reply, err := fn(env.ctx, env.msg)
			select {
			case env.reply <- localReply{msg: reply, err: err}:
			case <-env.ctx.Done():
			case <-t.closed:
				return
			}
		}
	}
}

// Send enqueues msg for the shard's handler and waits for the reply.
func (t *LocalTransport) Send(ctx context.Context, shard types.ShardID, msg *types.Message) (*types.Message, error) {
	t.mu.RLock()
	ep, ok := t.endpoints[shard]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for shard %s", types.ErrNetwork, shard)
	}

	env := localEnvelope{ctx: ctx, msg: msg, reply: make(chan localReply, 1)}

	select {
	case ep.queue <- env:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: send to %s: %v", types.ErrTimeout, shard, ctx.Err())
	case <-t.closed:
		return nil, fmt.Errorf("%w: transport closed", types.ErrNetwork)
	}

	select {
	case r := <-env.reply:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: awaiting reply from %s: %v", types.ErrTimeout, shard, ctx.Err())
	case <-t.closed:
		return nil, fmt.Errorf("%w: transport closed", types.ErrNetwork)
	}
}

// Close stops all dispatch loops. In-flight Sends fail with a network error.
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.wg.Wait()
	})
	return nil
}
