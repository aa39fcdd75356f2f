package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/christopherjohns/presence/internal/config"
	"github.com/christopherjohns/presence/internal/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

// restartDelay spaces out respawns so a crash-looping worker cannot
// spin the supervisor.
const restartDelay = time.Second

func main() {
	configPath := pflag.String("config", "", "path to YAML config file")
	workerIndex := pflag.Int("worker", 0, "worker index (set by the supervisor)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *workerIndex > 0:
		err = runWorker(ctx, cfg, *workerIndex)
	case cfg.Workers == 1:
		err = runWorker(ctx, cfg, 1)
	default:
		err = supervise(ctx, cfg, *configPath)
	}
	if err != nil {
		log.Fatalf("Exiting with error: %v", err)
	}
}

// runWorker runs one worker process until ctx is cancelled.
func runWorker(ctx context.Context, cfg *config.Config, index int) error {
	addr, err := workerAddr(cfg.ListenAddr, index)
	if err != nil {
		return err
	}

	var opts []server.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Printf("worker %d: connected to redis at %s", index, cfg.RedisAddr)
		opts = append(opts, server.WithRedis(rdb))
	}

	log.Printf("worker %d: starting on %s", index, addr)
	return server.New(cfg, addr, opts...).Run(ctx)
}

// supervise spawns cfg.Workers child processes and restarts any that
// exit abnormally, until ctx is cancelled.
func supervise(ctx context.Context, cfg *config.Config, configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= cfg.Workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			superviseWorker(ctx, exe, configPath, index)
		}(i)
	}
	wg.Wait()
	return nil
}

// superviseWorker keeps one worker slot alive, respawning the child
// after abnormal exits.
func superviseWorker(ctx context.Context, exe, configPath string, index int) {
	for {
		cmd := exec.CommandContext(ctx, exe, "--worker", strconv.Itoa(index))
		if configPath != "" {
			cmd.Args = append(cmd.Args, "--config", configPath)
		}
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		// Let the child shut down gracefully before the kill escalation.
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = 10 * time.Second

		err := cmd.Run()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("supervisor: worker %d exited: %v, restarting", index, err)
		} else {
			log.Printf("supervisor: worker %d exited cleanly, restarting", index)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// workerAddr returns the bind address for worker index: the configured
// base port plus index-1, so each worker owns its own socket.
func workerAddr(base string, index int) (string, error) {
	host, portStr, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("parsing listen_addr %q: %w", base, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("parsing listen_addr port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+index-1)), nil
}
