package prometheus

import (
	"github.com/marmos91/tallyd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ledgerMetrics is the Prometheus implementation of metrics.LedgerMetrics.
type ledgerMetrics struct {
	operationsTotal  *prometheus.CounterVec
	transferredTotal prometheus.Counter
	entities         prometheus.Gauge
}

// NewLedgerMetrics creates a new Prometheus-backed LedgerMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewLedgerMetrics() metrics.LedgerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopLedgerMetrics()
	}

	reg := metrics.GetRegistry()

	return &ledgerMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tallyd_registry_operations_total",
				Help: "Total number of registry operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		transferredTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tallyd_transferred_quantity_total",
				Help: "Total quantity moved by committed transfers",
			},
		),
		entities: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "tallyd_entities",
				Help: "Current number of live entities in the registry",
			},
		),
	}
}

func (m *ledgerMetrics) RecordOperation(op string, outcome string) {
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *ledgerMetrics) RecordTransferred(quantity int64) {
	m.transferredTotal.Add(float64(quantity))
}

func (m *ledgerMetrics) SetEntities(count int64) {
	m.entities.Set(float64(count))
}
