package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/config"
	"github.com/shardx-labs/shardx/types"
)

// WSTransport carries coordinator messages over websocket connections, with
// CBOR frames on the wire. It serves inbound messages for locally hosted
// shards and dials out to the peers recorded in its route table for remote
// ones. Each outbound connection runs one request at a time; replies are
// matched by transaction id as a guard against stray frames.
type WSTransport struct {
	cfg    config.NetworkConfig
	logger hclog.Logger

	mu       sync.RWMutex
	handlers map[types.ShardID]HandlerFunc
	routes   map[types.ShardID]string
	conns    map[string]*wsConn

	server    *http.Server
	upgrader  websocket.Upgrader
	active    int
	closeOnce sync.Once
	closed    chan struct{}
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport builds the transport. Call Start to serve inbound traffic;
// a dial-only transport may skip Start entirely.
func NewWSTransport(cfg config.NetworkConfig, logger hclog.Logger) *WSTransport {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &WSTransport{
		cfg:      cfg,
		logger:   logger.Named("network"),
		handlers: make(map[types.ShardID]HandlerFunc),
		routes:   make(map[types.ShardID]string),
		conns:    make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		closed: make(chan struct{}),
	}
}

// Handle registers the handler for a locally hosted shard.
func (t *WSTransport) Handle(shard types.ShardID, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[shard] = fn
}

// SetRoute records the websocket URL serving a remote shard.
func (t *WSTransport) SetRoute(shard types.ShardID, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[shard] = url
}

// Start serves inbound shard traffic on the configured bind address until
// Close is called.
func (t *WSTransport) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/shard", t.serveShard)

	t.server = &http.Server{
		Addr:    t.cfg.BindAddress,
		Handler: mux,
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("server stopped", "error", err)
		}
	}()

	t.logger.Info("listening", "addr", t.cfg.BindAddress)
	return nil
}

func (t *WSTransport) serveShard(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.cfg.MaxConnections > 0 && t.active >= t.cfg.MaxConnections {
		t.mu.Unlock()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	t.active++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.active--
		t.mu.Unlock()
	}()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	if t.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(t.cfg.MaxMessageSize)
	}

	pongWait := t.pingInterval() * 2
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-t.closed:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		reply, err := t.handleFrame(r.Context(), data)
		if err != nil {
			t.logger.Warn("handler failed", "remote", r.RemoteAddr, "error", err)
			reply = &types.Message{Success: false, Reason: err.Error()}
		}
		if reply == nil {
			continue
		}

		out, err := reply.Marshal()
		if err != nil {
			t.logger.Error("marshal reply", "error", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(t.connTimeout()))
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}

// handleFrame decodes an inbound frame and routes it to the handler for the
// shard the message names.
func (t *WSTransport) handleFrame(ctx context.Context, data []byte) (*types.Message, error) {
	var msg types.Message
	if err := msg.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: decode frame: %v", types.ErrNetwork, err)
	}

	t.mu.RLock()
	fn, ok := t.handlers[msg.ShardID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: shard %s not hosted here", types.ErrInvalidShardID, msg.ShardID)
	}
	return fn(ctx, &msg)
}

// Send delivers msg to the shard's peer and waits for the reply frame.
func (t *WSTransport) Send(ctx context.Context, shard types.ShardID, msg *types.Message) (*types.Message, error) {
	t.mu.RLock()
	url, ok := t.routes[shard]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no route for shard %s", types.ErrNetwork, shard)
	}

	wc, err := t.connTo(ctx, url)
	if err != nil {
		return nil, err
	}

	data, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", types.ErrInternal, err)
	}

	wc.mu.Lock()
	defer wc.mu.Unlock()

	deadline := time.Now().Add(t.connTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	wc.conn.SetWriteDeadline(deadline)
	if err := wc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.dropConn(url)
		return nil, fmt.Errorf("%w: write to %s: %v", types.ErrNetwork, url, err)
	}

	wc.conn.SetReadDeadline(deadline)
	_, replyData, err := wc.conn.ReadMessage()
	if err != nil {
		t.dropConn(url)
		return nil, fmt.Errorf("%w: read from %s: %v", types.ErrNetwork, url, err)
	}

	var reply types.Message
	if err := reply.Unmarshal(replyData); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", types.ErrNetwork, err)
	}
	if reply.TransactionID != "" && msg.TransactionID != "" && reply.TransactionID != msg.TransactionID {
		return nil, fmt.Errorf("%w: reply for %s while awaiting %s", types.ErrNetwork, reply.TransactionID, msg.TransactionID)
	}
	return &reply, nil
}

func (t *WSTransport) connTo(ctx context.Context, url string) (*wsConn, error) {
	t.mu.RLock()
	wc, ok := t.conns[url]
	t.mu.RUnlock()
	if ok {
		return wc, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.connTimeout()}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrNetwork, url, err)
	}
	if t.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(t.cfg.MaxMessageSize)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[url]; ok {
		conn.Close()
		return existing, nil
	}
	wc = &wsConn{conn: conn}
	t.conns[url] = wc
	go t.pingLoop(url, wc)
	return wc, nil
}

func (t *WSTransport) dropConn(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wc, ok := t.conns[url]; ok {
		wc.conn.Close()
		delete(t.conns, url)
	}
}

func (t *WSTransport) pingLoop(url string, wc *wsConn) {
	ticker := time.NewTicker(t.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			wc.mu.Lock()
			err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.connTimeout()))
			wc.mu.Unlock()
			if err != nil {
				t.dropConn(url)
				return
			}
		}
	}
}

// Close shuts the server down and drops every outbound connection.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), t.connTimeout())
			defer cancel()
			err = t.server.Shutdown(ctx)
		}
		t.mu.Lock()
		for url, wc := range t.conns {
			wc.conn.Close()
			delete(t.conns, url)
		}
		t.mu.Unlock()
	})
	return err
}

func (t *WSTransport) connTimeout() time.Duration {
	if t.cfg.ConnectionTimeoutSec > 0 {
		return time.Duration(t.cfg.ConnectionTimeoutSec) * time.Second
	}
	return 10 * time.Second
}

func (t *WSTransport) pingInterval() time.Duration {
	if t.cfg.PingIntervalSec > 0 {
		return time.Duration(t.cfg.PingIntervalSec) * time.Second
	}
	return 30 * time.Second
}
