// Package config defines the run configuration for the tracker: RPC
// endpoints, throttle budget, subscription/backfill tuning, signature
// database paths, per-action settings and output sinks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config is the top-level run configuration.
type Config struct {
	RPC        RPCConfig               `yaml:"rpc" json:"rpc"`
	Throttle   ThrottleConfig          `yaml:"throttle" json:"throttle"`
	Tracker    TrackerConfig           `yaml:"tracker" json:"tracker"`
	Signatures SignaturesConfig        `yaml:"signatures" json:"signatures"`
	TokenCache TokenCacheConfig        `yaml:"token_cache" json:"token_cache"`
	Actions    map[string]ActionConfig `yaml:"actions" json:"actions"`
	Outputs    []OutputConfig          `yaml:"outputs" json:"outputs"`
}

// RPCConfig describes the chain node connection.
type RPCConfig struct {
	// URL is the HTTP(S) RPC endpoint, used for ranged queries and lookups.
	URL string `yaml:"url" json:"url"`

	// WSURL is the WebSocket endpoint used for subscriptions. When empty,
	// the tracker runs in polling mode from the start.
	WSURL string `yaml:"ws_url" json:"ws_url"`

	// Timeout applies to individual RPC requests.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetries bounds connection attempts before giving up.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// ThrottleConfig configures the shared RPC rate budget.
type ThrottleConfig struct {
	// MaxPerSecond caps RPC operations per second across all streams and
	// actions. 0 disables limiting.
	MaxPerSecond int `yaml:"max_per_second" json:"max_per_second"`
}

// TrackerConfig tunes the subscription state machine and scanners.
type TrackerConfig struct {
	// BackoffBase and BackoffMax bound the exponential reconnect delay:
	// min(base * 2^retry, max).
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max" json:"backoff_max"`

	// MaxRetries bounds consecutive failed subscription attempts before the
	// stream surfaces a fatal error. 0 means retry forever.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// MaxBackfillBlocks bounds the gap repaired after a disconnect. Any
	// portion of the gap older than this window is reported as dropped.
	MaxBackfillBlocks uint64 `yaml:"max_backfill_blocks" json:"max_backfill_blocks"`

	// PollInterval drives the ranged-query loop in polling mode.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// StepBlocks pages historical and backfill queries.
	StepBlocks uint64 `yaml:"step_blocks" json:"step_blocks"`
}

// SignaturesConfig points at the event/function signature databases.
type SignaturesConfig struct {
	EventsPath string `yaml:"events" json:"events"`
	FuncsPath  string `yaml:"funcs" json:"funcs"`
}

// TokenCacheConfig selects the token metadata cache backend. With an empty
// RedisAddr the cache is in-process memory.
type TokenCacheConfig struct {
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
}

// ActionConfig is the per-action slice of configuration. Addresses maps a
// contract address to free-form per-address options; an empty map means the
// action observes all addresses.
type ActionConfig struct {
	Enabled   bool                      `yaml:"enabled" json:"enabled"`
	Addresses map[string]map[string]any `yaml:"addresses" json:"addresses"`
	Options   map[string]any            `yaml:"options" json:"options"`
}

// OutputConfig describes one detection sink.
type OutputConfig struct {
	// Type selects the sink: console, file, webhook, kafka, nats, websocket.
	Type string `yaml:"type" json:"type"`

	// Format applies to console sinks: text or json.
	Format string `yaml:"format" json:"format"`

	// Path is the target file for file sinks.
	Path string `yaml:"path" json:"path"`

	// RotateSizeMB rotates file sinks when they exceed this size. 0 disables.
	RotateSizeMB int `yaml:"rotate_size_mb" json:"rotate_size_mb"`

	// URL is the target for webhook sinks.
	URL string `yaml:"url" json:"url"`

	// Brokers and Topic configure kafka sinks.
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`

	// NATSURL and Subject configure nats sinks.
	NATSURL string `yaml:"nats_url" json:"nats_url"`
	Subject string `yaml:"subject" json:"subject"`

	// ListenAddr is the bind address for the websocket broadcast sink.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// DefaultConfig returns the baseline configuration; file values and CLI
// flags layer on top.
func DefaultConfig() Config {
	return Config{
		RPC: RPCConfig{
			URL:        "http://localhost:8545",
			Timeout:    30 * time.Second,
			MaxRetries: 5,
		},
		Throttle: ThrottleConfig{
			MaxPerSecond: 0,
		},
		Tracker: TrackerConfig{
			BackoffBase:       time.Second,
			BackoffMax:        30 * time.Second,
			MaxRetries:        0,
			MaxBackfillBlocks: 500,
			PollInterval:      2 * time.Second,
			StepBlocks:        10000,
		},
		Actions: map[string]ActionConfig{},
	}
}

// Load reads a YAML or JSON configuration file (detected by extension) over
// the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fails closed on configuration the tracker cannot run with.
func (c *Config) Validate() error {
	if c.RPC.URL == "" && c.RPC.WSURL == "" {
		return fmt.Errorf("rpc: at least one of url or ws_url is required")
	}
	if c.Throttle.MaxPerSecond < 0 {
		return fmt.Errorf("throttle.max_per_second: must be non-negative, got %d", c.Throttle.MaxPerSecond)
	}
	if c.Tracker.BackoffBase <= 0 {
		return fmt.Errorf("tracker.backoff_base: must be positive")
	}
	if c.Tracker.BackoffMax < c.Tracker.BackoffBase {
		return fmt.Errorf("tracker.backoff_max: must be >= backoff_base")
	}
	if c.Tracker.StepBlocks == 0 {
		return fmt.Errorf("tracker.step_blocks: must be positive")
	}
	for name, ac := range c.Actions {
		for addr := range ac.Addresses {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("actions.%s: invalid address %q", name, addr)
			}
		}
	}
	for i, oc := range c.Outputs {
		switch oc.Type {
		case "console", "file", "webhook", "kafka", "nats", "websocket":
		default:
			return fmt.Errorf("outputs[%d]: unknown sink type %q", i, oc.Type)
		}
	}
	return nil
}

// EnabledActions returns the names of enabled actions, sorted for
// reproducible resolution input.
func (c *Config) EnabledActions() []string {
	var names []string
	for name, ac := range c.Actions {
		if ac.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// CollectEnabledAddresses unions the address allow-lists of all enabled
// actions, deduplicated and sorted. An enabled action with an empty
// allow-list observes every address, so the union is reported as empty
// (no filter) in that case.
func (c *Config) CollectEnabledAddresses() []common.Address {
	set := make(map[common.Address]struct{})
	for _, ac := range c.Actions {
		if !ac.Enabled {
			continue
		}
		if len(ac.Addresses) == 0 {
			return nil
		}
		for addr := range ac.Addresses {
			set[common.HexToAddress(addr)] = struct{}{}
		}
	}
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Hex()) < strings.ToLower(out[j].Hex())
	})
	return out
}

// ActionAddresses returns the allow-list of one action as parsed addresses.
func (c *Config) ActionAddresses(name string) []common.Address {
	ac, ok := c.Actions[name]
	if !ok {
		return nil
	}
	out := make([]common.Address, 0, len(ac.Addresses))
	for addr := range ac.Addresses {
		out = append(out, common.HexToAddress(addr))
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Hex()) < strings.ToLower(out[j].Hex())
	})
	return out
}
