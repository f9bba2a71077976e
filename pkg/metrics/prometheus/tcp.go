package prometheus

import (
	"time"

	"github.com/marmos91/tallyd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// tcpMetrics is the Prometheus implementation of metrics.TCPMetrics.
type tcpMetrics struct {
	commandsTotal          *prometheus.CounterVec
	commandDuration        *prometheus.HistogramVec
	activeConnections      prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
}

// NewTCPMetrics creates a new Prometheus-backed TCPMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewTCPMetrics() metrics.TCPMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopTCPMetrics()
	}

	reg := metrics.GetRegistry()

	return &tcpMetrics{
		commandsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tallyd_commands_total",
				Help: "Total number of protocol commands by keyword and status",
			},
			[]string{"command", "status"},
		),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "tallyd_command_duration_seconds",
				Help: "Duration of protocol command execution in seconds",
				Buckets: []float64{
					0.00001, // 10us
					0.0001,  // 100us
					0.001,   // 1ms
					0.01,    // 10ms
					0.1,     // 100ms
					1.0,     // 1s
				},
			},
			[]string{"command"},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "tallyd_active_connections",
				Help: "Current number of active client connections",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tallyd_connections_accepted_total",
				Help: "Total number of client connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tallyd_connections_closed_total",
				Help: "Total number of client connections closed",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tallyd_connections_force_closed_total",
				Help: "Total number of client connections force-closed during shutdown timeout",
			},
		),
	}
}

func (m *tcpMetrics) RecordCommand(command string, duration time.Duration, status string) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *tcpMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *tcpMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *tcpMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *tcpMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}
