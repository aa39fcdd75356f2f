package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/christopherjohns/presence/internal/metrics"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of messages that can be queued per client.
	sendBufferSize = 32

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// defaultMaxConns is the default maximum concurrent connections (0 = unlimited).
	defaultMaxConns = 0
)

// Client is one websocket connection. characterID is empty until the
// connection's first accepted join binds it; it is only touched from the
// connection's own read goroutine.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	clientID    string
	characterID string
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int
	MaxConns        int
	Rejected        int64
	DroppedMessages int64
}

// ConnManager tracks active connections and owns their write pumps.
// Sends are fire-and-forget: a slow consumer's full buffer drops the
// message rather than blocking the event path.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]context.CancelFunc
	closed   bool
	maxConns int

	rejected        atomic.Int64
	droppedMessages atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// NewConnManager creates a new connection manager.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:  make(map[*Client]context.CancelFunc),
		maxConns: defaultMaxConns,
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context
// is cancelled when the client is removed or the manager shuts down; it
// is already cancelled if the manager is closed or at capacity.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = cancel
	metrics.ConnectedClients.Inc()

	go cm.writePump(ctx, c)

	return ctx
}

// Remove stops a client's write pump and cleans it up. The send channel
// is never closed: a broadcaster that snapshotted its targets before the
// removal may still call Send, and a send to a removed client must be a
// dropped message, not a panic. The pump exits via its context.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	cancel, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if ok {
		cancel()
		metrics.ConnectedClients.Dec()
	}
}

// Send queues a message for delivery to the client. Returns false if the
// client's buffer is full (slow consumer) or the client has been removed.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		log.Printf("ws: send buffer full for client %s, dropping message", c.clientID)
		return false
	}
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
	}
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each websocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := make(map[*Client]context.CancelFunc, len(cm.clients))
	for c, cancel := range cm.clients {
		clients[c] = cancel
	}
	cm.clients = make(map[*Client]context.CancelFunc)
	cm.mu.Unlock()

	for c, cancel := range clients {
		cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		metrics.ConnectedClients.Dec()
	}
}

// writePump drains the client's send channel, writing each message to
// the websocket. It exits only via context cancellation; the channel
// itself stays open for late best-effort sends.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			if err := c.conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
				cancel()
				log.Printf("ws: write to client %s failed: %v", c.clientID, err)
				return
			}
			cancel()
		}
	}
}
