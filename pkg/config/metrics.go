package config

import (
	"github.com/marmos91/tallyd/pkg/metrics"
	promMetrics "github.com/marmos91/tallyd/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// TCPMetrics is the command and connection collector shared by the
	// adapters (never nil)
	TCPMetrics metrics.TCPMetrics

	// LedgerMetrics is the collector for registry operations (never nil)
	LedgerMetrics metrics.LedgerMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			TCPMetrics:    metrics.NewNoopTCPMetrics(),
			LedgerMetrics: metrics.NewNoopLedgerMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Host: cfg.Server.Metrics.Host,
		Port: cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server:        server,
		TCPMetrics:    promMetrics.NewTCPMetrics(),
		LedgerMetrics: promMetrics.NewLedgerMetrics(),
	}
}
