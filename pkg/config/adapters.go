package config

import (
	"fmt"

	"github.com/marmos91/tallyd/pkg/adapter"
	"github.com/marmos91/tallyd/pkg/adapter/tcp"
	"github.com/marmos91/tallyd/pkg/adapter/websocket"
	"github.com/marmos91/tallyd/pkg/metrics"
)

// CreateAdapters creates every enabled protocol adapter.
//
// Parameters:
//   - cfg: Complete configuration
//   - tcpMetrics: Command and connection collector shared by all adapters
//     (nil selects a no-op)
//
// Returns:
//   - []adapter.Adapter: Adapters ready to be added to the server
//   - error: If no adapter is enabled
func CreateAdapters(cfg *Config, tcpMetrics metrics.TCPMetrics) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.Adapters.TCP.Enabled {
		adapters = append(adapters, tcp.New(cfg.Adapters.TCP, tcpMetrics))
	}

	if cfg.Adapters.WebSocket.Enabled {
		adapters = append(adapters, websocket.New(cfg.Adapters.WebSocket, tcpMetrics))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}
