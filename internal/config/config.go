// Package config loads the node's runtime configuration from layered
// sources: built-in defaults, then a YAML file, then environment
// variables, then command-line flags — each layer overriding the
// last, the pattern used throughout the retrieval pack's own config
// loaders.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the node's full runtime configuration, named explicitly so
// operators can override any of them.
type Config struct {
	// StoragePath is the directory bbolt databases and key material are
	// written to.
	StoragePath string `yaml:"storage_path"`

	// ListenAddr is the UDP broadcast address the Lan transport binds.
	ListenAddr string `yaml:"listen_addr"`

	// NeighborStaleAfterMs is the neighbor table's eviction window
	// (default: 30000).
	NeighborStaleAfterMs uint64 `yaml:"neighbor_stale_after_ms"`

	// RouterInfoIntervalMs is the minimum gap between advertisements to
	// the same neighbor (default: 10000).
	RouterInfoIntervalMs uint64 `yaml:"router_info_interval_ms"`

	// RoutingRebuildIntervalMs bounds how often the routing table
	// rebuilds (default: 1000).
	RoutingRebuildIntervalMs uint64 `yaml:"routing_rebuild_interval_ms"`

	// MaxQueueDepth bounds the messaging send queue (default: 10000).
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// MaxAttempts bounds scheduled-message retries before it moves to
	// the failed store (default: 16).
	MaxAttempts int `yaml:"max_attempts"`

	// MetricsAddr, if non-empty, is the address the Prometheus
	// /metrics endpoint listens on.
	MetricsAddr string `yaml:"metrics_addr"`

	// DisplayName is this node's default local-user display name.
	DisplayName string `yaml:"display_name"`
}

// Default returns the built-in defaults, the first and lowest-priority
// layer.
func Default() Config {
	return Config{
		StoragePath:              "./meshcore-data",
		ListenAddr:               ":9777",
		NeighborStaleAfterMs:     30_000,
		RouterInfoIntervalMs:     10_000,
		RoutingRebuildIntervalMs: 1_000,
		MaxQueueDepth:            10_000,
		MaxAttempts:              16,
		MetricsAddr:              "",
		DisplayName:              "",
	}
}

// LoadFile merges a YAML file at path on top of cfg, if the file
// exists. A missing file is not an error — it just means this layer
// contributes nothing.
func LoadFile(cfg Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// envOverrides is the mapping of environment variable name to the
// field it overrides, applied after the file layer.
var envOverrides = map[string]func(*Config, string) error{
	"MESHCORE_STORAGE_PATH": func(c *Config, v string) error { c.StoragePath = v; return nil },
	"MESHCORE_LISTEN_ADDR":  func(c *Config, v string) error { c.ListenAddr = v; return nil },
	"MESHCORE_METRICS_ADDR": func(c *Config, v string) error { c.MetricsAddr = v; return nil },
	"MESHCORE_DISPLAY_NAME": func(c *Config, v string) error { c.DisplayName = v; return nil },
	"MESHCORE_MAX_ATTEMPTS": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESHCORE_MAX_ATTEMPTS: %w", err)
		}
		c.MaxAttempts = n
		return nil
	},
	"MESHCORE_MAX_QUEUE_DEPTH": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESHCORE_MAX_QUEUE_DEPTH: %w", err)
		}
		c.MaxQueueDepth = n
		return nil
	},
}

// LoadEnv merges environment variables on top of cfg.
func LoadEnv(cfg Config) (Config, error) {
	for name, apply := range envOverrides {
		if v, ok := os.LookupEnv(name); ok {
			if err := apply(&cfg, v); err != nil {
				return cfg, err
			}
		}
	}
	return cfg, nil
}

// BindFlags registers every Config field on fs, defaulting each flag
// to cfg's current value, and returns a function that, once fs.Parse
// has run, produces the final merged Config — the highest-priority
// layer.
func BindFlags(fs *pflag.FlagSet, cfg Config) func() Config {
	storagePath := fs.String("storage-path", cfg.StoragePath, "directory for persisted node state")
	listenAddr := fs.String("listen-addr", cfg.ListenAddr, "UDP broadcast address for the lan transport")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "address to serve /metrics on, empty disables")
	displayName := fs.String("display-name", cfg.DisplayName, "local user display name")
	neighborStaleMs := fs.Uint64("neighbor-stale-after-ms", cfg.NeighborStaleAfterMs, "neighbor eviction window in ms")
	routerInfoMs := fs.Uint64("router-info-interval-ms", cfg.RouterInfoIntervalMs, "minimum ms between advertisements to one neighbor")
	rebuildMs := fs.Uint64("routing-rebuild-interval-ms", cfg.RoutingRebuildIntervalMs, "minimum ms between routing table rebuilds")
	maxQueueDepth := fs.Int("max-queue-depth", cfg.MaxQueueDepth, "send queue depth bound")
	maxAttempts := fs.Int("max-attempts", cfg.MaxAttempts, "scheduled-message retry bound")

	return func() Config {
		return Config{
			StoragePath:              *storagePath,
			ListenAddr:               *listenAddr,
			NeighborStaleAfterMs:     *neighborStaleMs,
			RouterInfoIntervalMs:     *routerInfoMs,
			RoutingRebuildIntervalMs: *rebuildMs,
			MaxQueueDepth:            *maxQueueDepth,
			MaxAttempts:              *maxAttempts,
			MetricsAddr:              *metricsAddr,
			DisplayName:              *displayName,
		}
	}
}

// Load runs the full precedence chain: defaults, then yamlPath (if
// present), then environment, then parsed flags.
func Load(fs *pflag.FlagSet, args []string, yamlPath string) (Config, error) {
	cfg, err := LoadFile(Default(), yamlPath)
	if err != nil {
		return cfg, err
	}
	cfg, err = LoadEnv(cfg)
	if err != nil {
		return cfg, err
	}
	resolve := BindFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("parse flags: %w", err)
	}
	return resolve(), nil
}
