package metrics

import "time"

// Command status labels.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TCPMetrics provides observability for the line-protocol TCP adapter.
//
// This interface is optional - if not provided to the adapter, a no-op
// implementation is used with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewTCPMetrics()
//	adapter := tcp.New(config, m)
//
//	// Without metrics (no-op)
//	adapter := tcp.New(config, nil)
type TCPMetrics interface {
	// RecordCommand records a completed command.
	//
	// Parameters:
	//   - command: Upper-cased keyword (e.g., "LIST", "TRANSFER")
	//   - duration: Time spent executing the command
	//   - status: StatusOK or StatusError
	RecordCommand(command string, duration time.Duration, status string)

	// SetActiveConnections updates the current connection gauge.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed increments the counter of connections
	// closed by the server after the shutdown timeout.
	RecordConnectionForceClosed()
}

type noopTCPMetrics struct{}

// NewNoopTCPMetrics returns a TCPMetrics that records nothing.
func NewNoopTCPMetrics() TCPMetrics {
	return noopTCPMetrics{}
}

func (noopTCPMetrics) RecordCommand(string, time.Duration, string) {}
func (noopTCPMetrics) SetActiveConnections(int32)                  {}
func (noopTCPMetrics) RecordConnectionAccepted()                   {}
func (noopTCPMetrics) RecordConnectionClosed()                     {}
func (noopTCPMetrics) RecordConnectionForceClosed()                {}
