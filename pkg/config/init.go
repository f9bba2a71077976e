package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# tallyd Configuration File
#
# Shared in-memory inventory/ledger served over a line protocol.
# Every key can be overridden from the environment with the TALLYD_ prefix,
# e.g. TALLYD_LOGGING_LEVEL=DEBUG or TALLYD_ADAPTERS_TCP_PORT=9000.
#
# Durations use Go syntax (30s, 5m, 1h). Sections:
#   logging   level (DEBUG|INFO|WARN|ERROR), format (text|json), output
#   server    shutdown timeout and the Prometheus /metrics endpoint
#   registry  lock stripes and the inventory created at startup
#   journal   transfer history: none or badger (in-memory, optional retention)
#   adapters  the TCP line protocol listener and the optional WebSocket one

`

// InitConfig writes a default configuration file to the default location.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns:
//   - string: Path of the written file
//   - error: If the file exists (and force is false) or cannot be written
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := renderDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func renderDefaultConfig() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(GetDefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal default config: %w", err)
	}

	return buf.Bytes(), nil
}
