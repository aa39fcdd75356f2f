// Package config loads server configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the worker configuration.
type Config struct {
	// ListenAddr is the base bind address. Worker n listens on the base
	// port plus n-1 so each worker process owns its own socket.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// RedisAddr enables cross-worker fan-out when set. Empty means
	// single-worker mode with fan-out disabled.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`

	// FanoutTopic is the shared pub/sub channel name.
	FanoutTopic string `yaml:"fanout_topic" env:"FANOUT_TOPIC"`

	// Workers is the number of worker processes to run.
	Workers int `yaml:"workers" env:"WORKERS"`

	// IdleTimeout is how long a character survives without activity.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`

	// IntroduceWindow is the per-connection snapshot throttle window.
	IntroduceWindow time.Duration `yaml:"introduce_window" env:"INTRODUCE_WINDOW"`

	// MaxConns limits concurrent connections per worker (0 = unlimited).
	MaxConns int `yaml:"max_conns" env:"MAX_CONNS"`

	// Bounds is the play area positions are clamped into.
	Bounds BoundsConfig `yaml:"bounds"`
}

// BoundsConfig is the per-axis play area extent.
type BoundsConfig struct {
	Min AxisConfig `yaml:"min"`
	Max AxisConfig `yaml:"max"`
}

// AxisConfig holds one corner of the play area.
type AxisConfig struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Load reads configuration from an optional YAML file, applies
// environment overrides on top, then defaults and validates. An empty
// path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Bounds: BoundsConfig{
			Min: AxisConfig{X: 0, Y: 0, Z: 0},
			Max: AxisConfig{X: 10, Y: 10, Z: 10},
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	// Set defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.FanoutTopic == "" {
		cfg.FanoutTopic = "presence:events"
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.IntroduceWindow == 0 {
		cfg.IntroduceWindow = time.Second
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Workers > 1 && c.RedisAddr == "" {
		return fmt.Errorf("running %d workers requires redis_addr for fan-out", c.Workers)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.Bounds.Min.X >= c.Bounds.Max.X ||
		c.Bounds.Min.Y >= c.Bounds.Max.Y ||
		c.Bounds.Min.Z >= c.Bounds.Max.Z {
		return fmt.Errorf("bounds min must be strictly below max on every axis")
	}
	return nil
}
