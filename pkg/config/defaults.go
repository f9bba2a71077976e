package config

import (
	"strings"
	"time"

	"github.com/marmos91/tallyd/pkg/adapter/tcp"
	"github.com/marmos91/tallyd/pkg/adapter/websocket"
	"github.com/marmos91/tallyd/pkg/metrics"
	"github.com/marmos91/tallyd/pkg/registry"
)

// DefaultTCPPort is the line protocol port used when none is configured.
const DefaultTCPPort = 7777

// DefaultWebSocketPort is the WebSocket adapter port used when none is
// configured.
const DefaultWebSocketPort = 7778

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - The seed list is never invented: an empty registry is a valid start
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyRegistryDefaults(&cfg.Registry)
	applyJournalDefaults(&cfg.Journal)
	applyAdaptersDefaults(&cfg.Adapters)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = metrics.DefaultPort
	}
}

func applyRegistryDefaults(cfg *RegistryConfig) {
	if cfg.Shards == 0 {
		cfg.Shards = registry.DefaultShardCount
	}
	if cfg.Seed == nil {
		cfg.Seed = []SeedEntity{}
	}
}

// applyJournalDefaults selects the in-memory BadgerDB journal and fills its
// options so that a generated config file documents every key.
func applyJournalDefaults(cfg *JournalConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	cfg.Type = strings.ToLower(cfg.Type)

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["retention"]; !ok {
		cfg.Badger["retention"] = "0s"
	}
	if _, ok := cfg.Badger["block_cache_size_mb"]; !ok {
		cfg.Badger["block_cache_size_mb"] = 16
	}
	if _, ok := cfg.Badger["index_cache_size_mb"]; !ok {
		cfg.Badger["index_cache_size_mb"] = 8
	}
}

// applyAdaptersDefaults sets adapter defaults.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	// An unconfigured TCP section (port 0, disabled) is the fresh-install
	// state: enable it so a config-less start serves clients. Load puts back
	// an explicit enabled: false or port: 0 afterwards.
	if !cfg.TCP.Enabled && cfg.TCP.Port == 0 {
		cfg.TCP.Enabled = true
	}

	applyTCPDefaults(&cfg.TCP)
	applyWebSocketDefaults(&cfg.WebSocket)
}

func applyTCPDefaults(cfg *tcp.TCPConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultTCPPort
	}

	// MaxConnections defaults to 0 (one goroutine per client, unbounded)

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 && cfg.ReadTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Minute
	}
}

// applyWebSocketDefaults fills the WebSocket section. The adapter stays
// disabled unless enabled explicitly.
func applyWebSocketDefaults(cfg *websocket.WebSocketConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultWebSocketPort
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The returned config carries a small sample inventory so that a freshly
// generated config file shows how seeds are written.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Registry: RegistryConfig{
			Seed: []SeedEntity{
				{Name: "Clean Code", Attrs: []string{"Robert C. Martin", "2008"}},
				{Name: "Refactoring", Attrs: []string{"Martin Fowler", "1999"}},
				{Name: "Caja", Quantity: 1000, Tracked: true},
			},
		},
		Adapters: AdaptersConfig{
			TCP: tcp.TCPConfig{
				Enabled: true,
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
