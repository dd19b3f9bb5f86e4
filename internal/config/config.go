// Package config loads node configuration from TOML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/capserve/capserve/internal/registry"
	"github.com/capserve/capserve/internal/shm"
)

// Config is the full configuration of one capserve node.
type Config struct {
	Node    Node              `toml:"node"`
	Shm     Shm               `toml:"shm"`
	Objects Objects           `toml:"objects"`
	Caps    []map[string]any  `toml:"capability"`
	Upgrade map[string]string `toml:"upgrade"`
	Log     Log               `toml:"log"`
}

// Node identifies this process and where it listens.
type Node struct {
	ID          string `toml:"id"`
	ListenAddr  string `toml:"listen_addr"`
	Advertise   string `toml:"advertise"` // endpoint other replicas dial; defaults to ListenAddr
	Directory   string `toml:"directory"` // directory node address; empty means this node is the directory
	MetricsAddr string `toml:"metrics_addr"`
	WorkerSock  string `toml:"worker_sock"` // unix socket for the local executor
}

// Shm sizes the shared-memory transport. Enabled false forces every payload
// inline, which is the right call when caller and callee are not on one host.
type Shm struct {
	Enabled     bool   `toml:"enabled"`
	Dir         string `toml:"dir"`
	ArenaBytes  int    `toml:"arena_bytes"`
	PoolSegment int    `toml:"pool_segment_bytes"`
}

// Objects selects the object store backend.
type Objects struct {
	Backend string   `toml:"backend"` // memory, file, badger
	Dir     string   `toml:"dir"`
	TTL     duration `toml:"ttl"`
}

// Log configures zerolog output.
type Log struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	*d = duration(v)
	return err
}

// Duration returns the TTL as a time.Duration.
func (o Objects) Duration() time.Duration { return time.Duration(o.TTL) }

// Default returns a configuration that brings up a single-node deployment.
func Default() *Config {
	return &Config{
		Node: Node{
			ID:          "node-1",
			ListenAddr:  ":7001",
			MetricsAddr: ":9101",
			WorkerSock:  "/tmp/capserve-worker.sock",
		},
		Shm: Shm{
			Enabled:     true,
			Dir:         shm.DefaultDir,
			ArenaBytes:  64 << 20,
			PoolSegment: shm.DefaultPoolSegmentSize,
		},
		Objects: Objects{Backend: "memory"},
		Upgrade: map[string]string{},
		Log:     Log{Level: "info"},
	}
}

// Load reads path over the defaults. A missing path returns the defaults
// unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Node.Advertise == "" {
		cfg.Node.Advertise = cfg.Node.ListenAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot come up.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Node.ListenAddr == "" {
		return fmt.Errorf("config: node.listen_addr is required")
	}
	switch c.Objects.Backend {
	case "memory":
	case "file", "badger":
		if c.Objects.Dir == "" {
			return fmt.Errorf("config: objects.dir is required for the %s backend", c.Objects.Backend)
		}
	default:
		return fmt.Errorf("config: unknown objects.backend %q", c.Objects.Backend)
	}
	if c.Shm.Enabled && c.Shm.ArenaBytes <= 0 {
		return fmt.Errorf("config: shm.arena_bytes must be positive")
	}
	if _, err := c.Capabilities(); err != nil {
		return err
	}
	return nil
}

// Capabilities normalizes the declared capability blocks.
func (c *Config) Capabilities() ([]registry.Capability, error) {
	caps := make([]registry.Capability, 0, len(c.Caps))
	for i, attrs := range c.Caps {
		cap, err := registry.NewCapability(attrs)
		if err != nil {
			return nil, fmt.Errorf("config: capability %d: %w", i, err)
		}
		caps = append(caps, cap)
	}
	return caps, nil
}
