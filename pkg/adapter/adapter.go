package adapter

import (
	"context"

	"github.com/marmos91/tallyd/pkg/protocol"
)

// Adapter is a network front end managed by TallyServer.
//
// Every adapter serves the same command set through a shared Dispatcher, so
// clients on any transport observe one registry.
//
// Lifecycle:
//  1. Creation: adapter is built from its transport configuration
//  2. Injection: SetDispatcher() provides the shared command dispatcher
//  3. Startup: Serve() binds and blocks until shutdown
//  4. Shutdown: Stop() or context cancellation drains connections
//
// Thread safety:
// SetDispatcher() is called once before Serve(). Stop() may be called
// concurrently with Serve() and more than once.
type Adapter interface {
	// Serve binds the listener and serves clients until ctx is cancelled.
	//
	// Returns:
	//   - nil after a graceful shutdown
	//   - error if binding fails or connections had to be force-closed
	Serve(ctx context.Context) error

	// SetDispatcher injects the dispatcher that executes client commands.
	SetDispatcher(d *protocol.Dispatcher)

	// Stop initiates shutdown and waits for handlers until ctx is done.
	// Idempotent.
	Stop(ctx context.Context) error

	// Protocol returns the transport name for logs (e.g. "TCP").
	Protocol() string

	// Port returns the bound port once listening, the configured one before.
	Port() int
}
