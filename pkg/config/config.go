package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/tallyd/pkg/adapter/tcp"
	"github.com/marmos91/tallyd/pkg/adapter/websocket"
	"github.com/spf13/viper"
)

// Config represents the complete tallyd configuration.
//
// This structure captures all configurable aspects of the daemon:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Registry sizing and startup inventory
//   - Transfer journal selection and its type-specific options
//   - Protocol adapter configurations
//
// Configuration sources (in order of precedence):
//  1. Environment variables (TALLYD_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Journal Configuration Pattern:
// Each journal implementation defines its own configuration type. The Config
// struct keeps the type-specific section as a raw map (journal.badger) that
// the factory decodes once the type is known.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Registry sizes the entity registry and lists the startup inventory
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`

	// Journal selects the transfer journal and its options
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters" yaml:"adapters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	// Enabled starts the /metrics server and real collectors
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the bind address. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// Port is the HTTP port of the metrics server
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

// RegistryConfig sizes the registry and lists entities created at startup.
type RegistryConfig struct {
	// Shards is the number of lock stripes
	Shards int `mapstructure:"shards" yaml:"shards" validate:"min=0,max=4096"`

	// Seed is the inventory created, in order, before the adapters start
	Seed []SeedEntity `mapstructure:"seed" yaml:"seed" validate:"dive"`
}

// SeedEntity describes one startup entity.
type SeedEntity struct {
	// Name is the entity's display name
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Attrs are the immutable descriptive fields (author, year, maker...)
	Attrs []string `mapstructure:"attrs" yaml:"attrs,omitempty" validate:"dive,required"`

	// Quantity is the initial balance or stock level
	Quantity int64 `mapstructure:"quantity" yaml:"quantity,omitempty" validate:"gte=0"`

	// Tracked marks the quantity as meaningful even when it is 0
	Tracked bool `mapstructure:"tracked" yaml:"tracked,omitempty"`
}

// JournalConfig selects the transfer journal.
//
// The Type field determines which implementation is used. Only the
// corresponding type-specific section is used.
type JournalConfig struct {
	// Type specifies which journal implementation to use
	// Valid values: none, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=none badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// AdaptersConfig contains all protocol adapter configurations.
type AdaptersConfig struct {
	// TCP contains the line protocol adapter configuration.
	// Uses the tcp.TCPConfig type directly to avoid duplication.
	TCP tcp.TCPConfig `mapstructure:"tcp" yaml:"tcp"`

	// WebSocket serves the same commands to browser clients
	WebSocket websocket.WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (TALLYD_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	restoreExplicit(v, &cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
// restoreExplicit re-applies settings whose zero value is meaningful when the
// user wrote them out: port 0 binds an ephemeral port and enabled: false keeps
// the TCP adapter off. ApplyDefaults cannot tell those apart from an omitted key.
func restoreExplicit(v *viper.Viper, cfg *Config) {
	if v.IsSet("adapters.tcp.enabled") {
		cfg.Adapters.TCP.Enabled = v.GetBool("adapters.tcp.enabled")
	}
	if v.IsSet("adapters.tcp.port") {
		cfg.Adapters.TCP.Port = v.GetInt("adapters.tcp.port")
	}
	if v.IsSet("adapters.websocket.port") {
		cfg.Adapters.WebSocket.Port = v.GetInt("adapters.websocket.port")
	}
	if v.IsSet("server.metrics.port") {
		cfg.Server.Metrics.Port = v.GetInt("server.metrics.port")
	}
}

func setupViper(v *viper.Viper, configPath string) {
	// Example: TALLYD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("TALLYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/tallyd/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// A missing file means "use defaults"
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tallyd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "tallyd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
