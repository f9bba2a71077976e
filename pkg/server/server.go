package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/pkg/adapter"
	"github.com/marmos91/tallyd/pkg/protocol"
)

// TallyServer runs a set of adapters over one shared Dispatcher.
//
// Every adapter receives the same Dispatcher, so all clients, whatever the
// transport, see one registry. The server owns the lifecycle: it starts the
// adapters, stops them in reverse registration order on shutdown or on the
// first adapter failure, and finally closes registered resources (the
// journal) once no handler can use them anymore.
//
// Example usage:
//
//	srv := server.New(protocol.NewDispatcher(reg))
//	srv.AddAdapter(tcp.New(tcpConfig, tcpMetrics))
//	srv.AddCloser("journal", j)
//	err := srv.Serve(ctx)
type TallyServer struct {
	dispatcher *protocol.Dispatcher

	adapters []adapter.Adapter

	closers []namedCloser

	// StopTimeout bounds the wait of each adapter's Stop on shutdown
	StopTimeout time.Duration

	mu sync.Mutex

	served bool
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// New creates a server around dispatcher. Panics if dispatcher is nil.
func New(dispatcher *protocol.Dispatcher) *TallyServer {
	if dispatcher == nil {
		panic("dispatcher cannot be nil")
	}

	return &TallyServer{
		dispatcher:  dispatcher,
		adapters:    make([]adapter.Adapter, 0, 2),
		StopTimeout: 30 * time.Second,
	}
}

// AddAdapter registers an adapter and injects the dispatcher into it.
//
// Returns an error if an adapter for the same protocol is already registered.
// Must be called before Serve.
func (s *TallyServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		return errors.New("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return errors.New("cannot add adapter after Serve() has been called")
	}

	for _, existing := range s.adapters {
		if existing.Protocol() == a.Protocol() {
			return fmt.Errorf("adapter for protocol %s already registered", a.Protocol())
		}
	}

	a.SetDispatcher(s.dispatcher)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", a.Protocol(), a.Port())
	return nil
}

// AddCloser registers a resource closed after all adapters have stopped.
// Closers run in reverse registration order.
func (s *TallyServer) AddCloser(name string, c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, namedCloser{name: name, closer: c})
}

// Adapters returns a copy of the registered adapters.
func (s *TallyServer) Adapters() []adapter.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}

// Serve starts every adapter and blocks until ctx is cancelled or an adapter
// fails. It can only be called once.
//
// Returns:
//   - nil after a clean shutdown triggered by ctx
//   - error if an adapter failed to start or had to force-close connections
func (s *TallyServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return errors.New("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	closers := make([]namedCloser, len(s.closers))
	copy(closers, s.closers)
	s.mu.Unlock()

	defer s.closeAll(closers)

	logger.Info("Starting tallyd with %d adapter(s)", len(adapters))

	// Adapters see a context we control so a failing adapter can take the
	// others down with it.
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan adapterResult, len(adapters))
	var wg sync.WaitGroup

	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			err := a.Serve(serveCtx)
			if err != nil {
				logger.Error("%s adapter stopped with error: %v", a.Protocol(), err)
			} else {
				logger.Info("%s adapter stopped", a.Protocol())
			}
			results <- adapterResult{protocol: a.Protocol(), err: err}
		}(adp)
	}

	var firstErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
	case res := <-results:
		// An adapter returning before shutdown is always a failure
		firstErr = res.err
		if firstErr == nil {
			firstErr = errors.New("stopped unexpectedly")
		}
		firstErr = fmt.Errorf("%s adapter error: %w", res.protocol, firstErr)
		logger.Error("%v - initiating shutdown of all adapters", firstErr)
	}

	cancel()
	s.stopAllAdapters(adapters)

	logger.Debug("Waiting for all adapters to complete shutdown")
	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s adapter error: %w", res.protocol, res.err)
		}
	}

	if firstErr == nil {
		logger.Info("tallyd stopped gracefully")
	}
	return firstErr
}

type adapterResult struct {
	protocol string
	err      error
}

// stopAllAdapters stops adapters in reverse registration order.
func (s *TallyServer) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.StopTimeout)
	defer cancel()

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Error stopping %s adapter: %v", adp.Protocol(), err)
		}
	}
}

func (s *TallyServer) closeAll(closers []namedCloser) {
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.closer.Close(); err != nil {
			logger.Error("Failed to close %s: %v", c.name, err)
		} else {
			logger.Debug("Closed %s", c.name)
		}
	}
}
