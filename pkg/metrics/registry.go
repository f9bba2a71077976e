// Package metrics defines the observability interfaces of tallyd.
//
// Components receive a TCPMetrics or LedgerMetrics and never check whether
// collection is on. When the global registry has not been initialized the
// constructors in pkg/metrics/prometheus hand out no-op implementations.
//
// Usage:
//
//	metrics.InitRegistry()
//	tcpMetrics := prometheus.NewTCPMetrics()
//	ledgerMetrics := prometheus.NewLedgerMetrics()
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry and read afterwards
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global Prometheus registry and registers the Go
// runtime and process collectors on it. Subsequent calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
