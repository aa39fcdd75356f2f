package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/christopherjohns/presence/internal/character"
	"github.com/christopherjohns/presence/internal/config"
	"github.com/christopherjohns/presence/internal/event"
	"github.com/christopherjohns/presence/internal/geo"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:      "127.0.0.1:0",
		FanoutTopic:     "presence:events",
		Workers:         1,
		IdleTimeout:     time.Minute,
		IntroduceWindow: time.Second,
		Bounds: config.BoundsConfig{
			Min: config.AxisConfig{X: 0, Y: 0, Z: 0},
			Max: config.AxisConfig{X: 10, Y: 10, Z: 10},
		},
	}
}

// startServer runs a server until the test ends and returns it once its
// listener is bound.
func startServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	s := New(cfg, cfg.ListenAddr, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server shutdown error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("timed out waiting for server shutdown")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Addr() == "" {
		t.Fatal("server never bound its listener")
	}
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendJoin(t *testing.T, conn *websocket.Conn, id, username string) {
	t.Helper()
	data, err := event.Encode(&event.JoinPayload{
		ID:       id,
		Username: username,
		Position: geo.Vector{X: 1, Z: 1},
	})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func waitForCount(t *testing.T, reg *character.Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for reg.Count() != n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Count() != n {
		t.Fatalf("expected %d characters, got %d", n, reg.Count())
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := startServer(t, testConfig())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestCharactersEndpoint(t *testing.T) {
	s := startServer(t, testConfig())

	conn := dial(t, s)
	sendJoin(t, conn, "character-00001", "alice")
	waitForCount(t, s.Registry(), 1)

	resp, err := http.Get("http://" + s.Addr() + "/api/characters")
	if err != nil {
		t.Fatalf("characters request failed: %v", err)
	}
	defer resp.Body.Close()

	var chars []character.Character
	if err := json.NewDecoder(resp.Body).Decode(&chars); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(chars) != 1 || chars[0].ID != "character-00001" {
		t.Fatalf("unexpected characters %+v", chars)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := startServer(t, testConfig())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRunFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig()
	s := New(cfg, ln.Addr().String())
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected bind error on busy port")
	}
}

func TestRunClosesOwnedResourcesOnBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	s := New(cfg, ln.Addr().String(), WithRedis(rdb))
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected bind error on busy port")
	}

	// The failed run must not leak the redis client it owns.
	if err := rdb.Ping(context.Background()).Err(); err == nil {
		t.Error("expected redis client to be closed after failed run")
	}
}

func TestCrossWorkerFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()

	newClient := func() redis.UniversalClient {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}

	a := startServer(t, cfg, WithRedis(newClient()))
	b := startServer(t, cfg, WithRedis(newClient()))

	// A client joins on worker A; worker B's registry converges.
	connA := dial(t, a)
	sendJoin(t, connA, "character-00001", "alice")
	waitForCount(t, a.Registry(), 1)
	waitForCount(t, b.Registry(), 1)

	// A client on worker B sees alice through the introduce snapshot
	// and its join crosses back to worker A.
	connB := dial(t, b)
	sendJoin(t, connB, "character-00002", "bob")
	waitForCount(t, b.Registry(), 2)
	waitForCount(t, a.Registry(), 2)

	// Worker A rebroadcasts bob's remote join to its local connections.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := connA.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	msg, err := event.Decode(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	join, ok := msg.(*event.JoinPayload)
	if !ok || join.ID != "character-00002" {
		t.Fatalf("expected bob's join relayed to worker A, got %+v", msg)
	}

	// A part on worker B converges on worker A too.
	partData, err := event.Encode(&event.PartPayload{ID: "character-00002"})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if err := connB.Write(ctx, websocket.MessageText, partData); err != nil {
		t.Fatalf("write error: %v", err)
	}
	waitForCount(t, a.Registry(), 1)
}

func TestRemotePartForUnknownCharacterIsHarmless(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()

	a := startServer(t, cfg, WithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})))

	// Frames for ids worker A never saw are parsed, applied, and simply
	// do nothing.
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer pub.Close()
	for i := 0; i < 3; i++ {
		frame := fmt.Sprintf(`{"workerId":"worker-x","eventName":"character-part","event":{"id":"character-0000%d"}}`, i)
		if err := pub.Publish(context.Background(), cfg.FanoutTopic, frame).Err(); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if a.Registry().Count() != 0 {
		t.Errorf("expected empty registry, got %d", a.Registry().Count())
	}
}
