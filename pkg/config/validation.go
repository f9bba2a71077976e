package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for rules that cannot
// be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	tcpCfg, wsCfg := cfg.Adapters.TCP, cfg.Adapters.WebSocket

	if !tcpCfg.Enabled && !wsCfg.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	if wsCfg.Enabled && !strings.HasPrefix(wsCfg.Path, "/") {
		return fmt.Errorf("adapters.websocket.path: %q must start with /", wsCfg.Path)
	}

	// Port 0 picks an ephemeral port and never collides
	type boundPort struct {
		key  string
		port int
	}
	var ports []boundPort
	if tcpCfg.Enabled {
		ports = append(ports, boundPort{"adapters.tcp.port", tcpCfg.Port})
	}
	if wsCfg.Enabled {
		ports = append(ports, boundPort{"adapters.websocket.port", wsCfg.Port})
	}
	if cfg.Server.Metrics.Enabled {
		ports = append(ports, boundPort{"server.metrics.port", cfg.Server.Metrics.Port})
	}
	for i := 1; i < len(ports); i++ {
		for j := 0; j < i; j++ {
			if ports[i].port != 0 && ports[i].port == ports[j].port {
				return fmt.Errorf("%s: %d is already used by %s", ports[i].key, ports[i].port, ports[j].key)
			}
		}
	}

	if cfg.Journal.Type == "badger" {
		if _, err := decodeBadgerConfig(cfg.Journal.Badger); err != nil {
			return fmt.Errorf("journal.badger: %w", err)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Report the first failure with its location
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
