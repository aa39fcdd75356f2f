package ws

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// newConnServer upgrades connections and registers them directly with
// the manager, without hub or handler involvement. The returned func
// lists every client the server has registered so far.
func newConnServer(t *testing.T, cm *ConnManager) (*httptest.Server, func() []*Client) {
	t.Helper()
	var mu sync.Mutex
	var seen []*Client
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		client := &Client{conn: conn, clientID: "conn-test"}
		ctx := cm.Add(client)
		mu.Lock()
		seen = append(seen, client)
		mu.Unlock()
		defer cm.Remove(client)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	clients := func() []*Client {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Client(nil), seen...)
	}
	return ts, clients
}

func waitForConns(t *testing.T, cm *ConnManager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for cm.Count() != n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cm.Count() != n {
		t.Fatalf("expected %d connections, got %d", n, cm.Count())
	}
}

func TestConnManagerAddRemove(t *testing.T) {
	cm := NewConnManager()
	ts, _ := newConnServer(t, cm)

	conn := dialWS(t, ts.URL)
	waitForConns(t, cm, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForConns(t, cm, 0)
}

func TestConnManagerMaxConns(t *testing.T) {
	cm := NewConnManager(WithMaxConns(1))
	ts, _ := newConnServer(t, cm)

	dialWS(t, ts.URL)
	waitForConns(t, cm, 1)

	// The second connection is accepted by HTTP but immediately closed
	// by the manager.
	dialWS(t, ts.URL)

	deadline := time.Now().Add(2 * time.Second)
	for cm.Stats().Rejected == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	stats := cm.Stats()
	if stats.Rejected != 1 {
		t.Errorf("expected 1 rejected connection, got %d", stats.Rejected)
	}
	if stats.Active != 1 {
		t.Errorf("expected 1 active connection, got %d", stats.Active)
	}
}

func TestConnManagerShutdown(t *testing.T) {
	cm := NewConnManager()
	ts, _ := newConnServer(t, cm)

	dialWS(t, ts.URL)
	dialWS(t, ts.URL)
	waitForConns(t, cm, 2)

	cm.Shutdown()

	if cm.Count() != 0 {
		t.Errorf("expected 0 connections after shutdown, got %d", cm.Count())
	}

	// New connections are refused once closed.
	dialWS(t, ts.URL)
	time.Sleep(50 * time.Millisecond)
	if cm.Count() != 0 {
		t.Errorf("expected closed manager to refuse connections, got %d", cm.Count())
	}
}

func TestSendAfterRemoveDoesNotPanic(t *testing.T) {
	cm := NewConnManager()
	ts, clients := newConnServer(t, cm)

	conn := dialWS(t, ts.URL)
	waitForConns(t, cm, 1)
	c := clients()[0]

	conn.Close(websocket.StatusNormalClosure, "")
	waitForConns(t, cm, 0)

	// A broadcaster that snapshotted its targets before the disconnect
	// still calls Send; the message is simply lost.
	for i := 0; i < sendBufferSize*2; i++ {
		cm.Send(c, []byte("late"))
	}
	if cm.Stats().DroppedMessages == 0 {
		t.Error("expected late sends past the buffer to be counted as drops")
	}
}

func TestSendAfterShutdownDoesNotPanic(t *testing.T) {
	cm := NewConnManager()
	ts, clients := newConnServer(t, cm)

	dialWS(t, ts.URL)
	dialWS(t, ts.URL)
	waitForConns(t, cm, 2)

	cm.Shutdown()

	// Read loops may still be mid-dispatch when shutdown lands; their
	// broadcasts must degrade to dropped messages.
	for _, c := range clients() {
		for i := 0; i < sendBufferSize*2; i++ {
			cm.Send(c, []byte("late"))
		}
	}
	if cm.Stats().DroppedMessages == 0 {
		t.Error("expected post-shutdown sends past the buffer to be counted as drops")
	}
}

func TestSendToFullBufferDrops(t *testing.T) {
	cm := NewConnManager()

	// A client that was never added has no pump draining its channel.
	c := &Client{clientID: "stuck", send: make(chan []byte, 1)}

	if !cm.Send(c, []byte("one")) {
		t.Fatal("first send should fit the buffer")
	}
	if cm.Send(c, []byte("two")) {
		t.Fatal("second send should be dropped")
	}
	if cm.Stats().DroppedMessages != 1 {
		t.Errorf("expected 1 dropped message, got %d", cm.Stats().DroppedMessages)
	}
}
