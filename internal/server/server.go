// Package server wires the registry, websocket layer and fan-out bus
// into one worker process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/christopherjohns/presence/internal/character"
	"github.com/christopherjohns/presence/internal/config"
	"github.com/christopherjohns/presence/internal/fanout"
	"github.com/christopherjohns/presence/internal/geo"
	"github.com/christopherjohns/presence/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 5 * time.Second

// Server is one worker: a websocket listener, its authoritative
// registry, and an optional fan-out bus keeping it consistent with the
// other workers.
type Server struct {
	addr     string
	mu       sync.Mutex
	bound    string
	mux      *http.ServeMux
	registry *character.Registry
	hub      *ws.Hub
	handler  *ws.Handler
	bus      *fanout.Bus
	rdb      redis.UniversalClient
}

// Option configures a Server.
type Option func(*Server)

// WithRedis enables cross-worker fan-out over the given client. The
// server owns the client and closes it on shutdown.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(s *Server) { s.rdb = rdb }
}

// New assembles a worker from its configuration.
func New(cfg *config.Config, addr string, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		mux:  http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	bounds := geo.Bounds{
		Min: geo.Vector{X: cfg.Bounds.Min.X, Y: cfg.Bounds.Min.Y, Z: cfg.Bounds.Min.Z},
		Max: geo.Vector{X: cfg.Bounds.Max.X, Y: cfg.Bounds.Max.Y, Z: cfg.Bounds.Max.Z},
	}

	// The registry's expire callback is bound through a closure because
	// the handler needs the registry first. No timer can fire before a
	// join, so the handler is always set by the time one does.
	var handler *ws.Handler
	s.registry = character.NewRegistry(
		character.WithBounds(bounds),
		character.WithIdleTimeout(cfg.IdleTimeout),
		character.WithExpireFunc(func(id string) {
			if handler != nil {
				handler.HandleExpiration(id)
			}
		}),
	)

	var connOpts []ws.ConnManagerOption
	if cfg.MaxConns > 0 {
		connOpts = append(connOpts, ws.WithMaxConns(cfg.MaxConns))
	}
	s.hub = ws.NewHub(ws.NewConnManager(connOpts...))

	handlerOpts := []ws.HandlerOption{ws.WithIntroduceWindow(cfg.IntroduceWindow)}
	if s.rdb != nil {
		s.bus = fanout.NewBus(s.rdb, fanout.WithTopic(cfg.FanoutTopic))
		handlerOpts = append(handlerOpts, ws.WithPublisher(s.bus))
	}
	handler = ws.NewHandler(s.hub, s.registry, handlerOpts...)
	s.handler = handler

	s.routes()
	return s
}

// Registry returns the worker's character registry.
func (s *Server) Registry() *character.Registry {
	return s.registry
}

// Addr returns the bound listen address, or "" before Run has bound the
// listener. Useful when configured with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/characters", s.handleListCharacters)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.Handle("/ws", s.handler)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	chars := s.registry.List()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chars)
}

// Run binds the listener, starts the fan-out subscriber, and serves
// until ctx is cancelled. A bind failure is fatal and returned
// immediately; a failure to close the listener, connections or broker
// during shutdown is returned so the process can exit non-zero.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Join(err, s.closeResources())
	}
	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.mu.Unlock()

	if s.bus != nil {
		if err := s.bus.Subscribe(ctx, s.handler); err != nil {
			ln.Close()
			return errors.Join(err, s.closeResources())
		}
		log.Printf("server: fan-out subscribed as worker %s", s.bus.WorkerID())
	}

	httpServer := &http.Server{Handler: s.mux}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	log.Printf("server: listening on %s", ln.Addr())

	select {
	case err := <-serveErr:
		// Serve failed on its own; still tear the worker down fully.
		return errors.Join(err, s.shutdown(httpServer))
	case <-ctx.Done():
	}

	return s.shutdown(httpServer)
}

// shutdown drains HTTP, closes every websocket, and tears down the
// fan-out subscription and redis client. All close errors are reported.
func (s *Server) shutdown(httpServer *http.Server) error {
	log.Print("server: shutting down")

	var errs []error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	s.hub.ConnMgr().Shutdown()

	if err := s.closeResources(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// closeResources releases the fan-out subscription and the redis client
// the server owns. Safe to call on paths where they were never started.
func (s *Server) closeResources() error {
	var errs []error
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
