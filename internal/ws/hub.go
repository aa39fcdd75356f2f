package ws

import (
	"context"
	"sync"
)

// Hub tracks the connected clients on this worker and fans encoded
// envelopes out to them. There is one flat population; every client sees
// every character.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	conns   *ConnManager
}

// NewHub creates an empty Hub backed by the given connection manager.
func NewHub(conns *ConnManager) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		conns:   conns,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// addClient registers a client and starts its write pump. Returns a
// context that is cancelled when the client is removed.
func (h *Hub) addClient(c *Client) context.Context {
	ctx := h.conns.Add(c)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return ctx
}

// removeClient unregisters a client and stops its write pump.
func (h *Hub) removeClient(c *Client) {
	h.conns.Remove(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Broadcast sends encoded envelope bytes to every connected client.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast(nil, data)
}

// BroadcastExcept sends to every connected client except sender.
func (h *Hub) BroadcastExcept(sender *Client, data []byte) {
	h.broadcast(sender, data)
}

func (h *Hub) broadcast(skip *Client, data []byte) {
	h.mu.RLock()
	// Copy the set so we can release the lock before sending.
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.conns.Send(c, data)
	}
}

// SendTo queues encoded envelope bytes for one client.
func (h *Hub) SendTo(c *Client, data []byte) {
	h.conns.Send(c, data)
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
