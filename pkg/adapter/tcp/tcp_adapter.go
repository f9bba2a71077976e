package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/internal/ratelimiter"
	"github.com/marmos91/tallyd/pkg/metrics"
	"github.com/marmos91/tallyd/pkg/protocol"
)

// TCPAdapter serves the line protocol over TCP.
//
// Architecture:
// One accept goroutine hands every connection to its own handler goroutine.
// Handlers share the Dispatcher (and through it the registry) and own
// everything else: their Session, their rate limiter and their socket.
//
// Connection limiting:
// With MaxConnections > 0 the accept loop takes a semaphore slot before
// calling Accept, so excess clients wait in the kernel backlog instead of
// being refused.
//
// Graceful shutdown:
//  1. Listener closes and the shared request context is cancelled
//  2. Reads blocked waiting for the next command are interrupted
//  3. Handlers in the middle of a command finish it and exit
//  4. After ShutdownTimeout the remaining sockets are force-closed
//
// Thread safety:
// All methods are safe for concurrent use.
type TCPAdapter struct {
	config TCPConfig

	dispatcher *protocol.Dispatcher

	metrics metrics.TCPMetrics

	// mu guards listener
	mu       sync.Mutex
	listener net.Listener

	// ready is closed once the listener is bound
	ready chan struct{}

	// activeConns tracks handler goroutines for graceful shutdown
	activeConns sync.WaitGroup

	shutdownOnce sync.Once

	// shutdown is closed to stop the accept loop
	shutdown chan struct{}

	connCount atomic.Int32

	nextConnID atomic.Uint64

	// connSemaphore bounds live handlers; nil means unlimited
	connSemaphore chan struct{}

	// shutdownCtx is passed to every handler and cancelled on shutdown
	shutdownCtx context.Context

	cancelRequests context.CancelFunc

	// activeConnections maps connection id -> net.Conn for force-close
	activeConnections sync.Map
}

// TCPConfig configures the TCP adapter.
type TCPConfig struct {
	// Enabled controls whether the adapter is started
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the bind address. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// Port is the TCP port. 0 selects an ephemeral port.
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// MaxConnections bounds concurrently served clients. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// ReadTimeout bounds the wait for the next command line when
	// IdleTimeout is 0. 0 means no timeout.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0" yaml:"read_timeout"`

	// WriteTimeout bounds writing one response. 0 means no timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0" yaml:"write_timeout"`

	// IdleTimeout closes connections with no command for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0" yaml:"idle_timeout"`

	// ShutdownTimeout is how long shutdown waits before force-closing.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// HeartbeatInterval is the period of the activity log line. 0 disables it.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"min=0" yaml:"heartbeat_interval"`

	// RateLimit throttles each connection's commands
	RateLimit ratelimiter.Config `mapstructure:"rate_limit" yaml:"rate_limit"`
}

func (c *TCPConfig) applyDefaults() {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 && c.ReadTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *TCPConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("invalid timeouts read=%v write=%v idle=%v: must be >= 0",
			c.ReadTimeout, c.WriteTimeout, c.IdleTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("invalid HeartbeatInterval %v: must be >= 0", c.HeartbeatInterval)
	}
	return nil
}

// New creates a TCP adapter. It panics on an invalid config, which the
// config package validates beforehand.
//
// Parameters:
//   - config: Transport settings; zero timeouts get defaults
//   - tcpMetrics: Optional collector, nil selects a no-op
func New(config TCPConfig, tcpMetrics metrics.TCPMetrics) *TCPAdapter {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid TCP config: %v", err))
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
		logger.Debug("TCP connection limit: %d", config.MaxConnections)
	} else {
		logger.Debug("TCP connection limit: unlimited")
	}

	if tcpMetrics == nil {
		tcpMetrics = metrics.NewNoopTCPMetrics()
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	return &TCPAdapter{
		config:         config,
		metrics:        tcpMetrics,
		ready:          make(chan struct{}),
		shutdown:       make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
}

// SetDispatcher injects the shared command dispatcher.
func (s *TCPAdapter) SetDispatcher(d *protocol.Dispatcher) {
	s.dispatcher = d
	logger.Debug("TCP dispatcher configured")
}

// Serve binds the listener and accepts connections until ctx is cancelled
// or Stop is called.
//
// Returns:
//   - nil after all handlers finished within ShutdownTimeout
//   - error if binding fails or handlers had to be force-closed
func (s *TCPAdapter) Serve(ctx context.Context) error {
	if s.dispatcher == nil {
		return fmt.Errorf("TCP adapter has no dispatcher")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create TCP listener on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	// Stop may have run before the listener existed
	select {
	case <-s.shutdown:
		_ = listener.Close()
	default:
	}

	logger.Info("TCP server listening on %s", listener.Addr())
	logger.Debug("TCP config: max_connections=%d read_timeout=%v write_timeout=%v idle_timeout=%v rate_limit=%d/s",
		s.config.MaxConnections, s.config.ReadTimeout, s.config.WriteTimeout, s.config.IdleTimeout,
		s.config.RateLimit.RequestsPerSecond)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("TCP shutdown signal received: %v", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	if s.config.HeartbeatInterval > 0 {
		go s.heartbeat(s.shutdownCtx)
	}

	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}

			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("Error accepting TCP connection: %v", err)
				continue
			}
		}

		s.activeConns.Add(1)
		connID := s.nextConnID.Add(1)
		s.activeConnections.Store(connID, tcpConn)
		currentConns := s.connCount.Add(1)

		s.metrics.RecordConnectionAccepted()
		s.metrics.SetActiveConnections(currentConns)

		logger.Debug("TCP connection #%d accepted from %s (active: %d)",
			connID, tcpConn.RemoteAddr(), currentConns)

		conn := newTCPConnection(s, tcpConn)
		go func(id uint64) {
			defer func() {
				s.activeConnections.Delete(id)
				currentConns := s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}

				s.metrics.RecordConnectionClosed()
				s.metrics.SetActiveConnections(currentConns)

				logger.Debug("TCP connection #%d closed (active: %d)", id, currentConns)
				s.activeConns.Done()
			}()

			conn.Serve(s.shutdownCtx)
		}(connID)
	}
}

// initiateShutdown stops accepting, cancels the request context and wakes
// handlers blocked reading their next command. Idempotent.
func (s *TCPAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("TCP shutdown initiated")

		close(s.shutdown)

		s.mu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("Error closing TCP listener: %v", err)
			}
		}
		s.mu.Unlock()

		// Cancel before interrupting reads: a handler that re-arms its
		// deadline after this point observes the cancelled context.
		s.cancelRequests()

		s.activeConnections.Range(func(_, value any) bool {
			_ = value.(net.Conn).SetReadDeadline(time.Now())
			return true
		})
	})
}

// gracefulShutdown waits for handlers up to ShutdownTimeout, then
// force-closes what is left.
func (s *TCPAdapter) gracefulShutdown() error {
	logger.Info("TCP graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		s.connCount.Load(), s.config.ShutdownTimeout)

	select {
	case <-s.drained():
		logger.Info("TCP graceful shutdown complete: all connections closed")
		return nil

	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("TCP shutdown timeout exceeded: %d connection(s) still active after %v, forcing closure",
			remaining, s.config.ShutdownTimeout)

		s.forceCloseConnections()
		return fmt.Errorf("TCP shutdown timeout: %d connections force-closed", remaining)
	}
}

func (s *TCPAdapter) drained() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()
	return done
}

func (s *TCPAdapter) forceCloseConnections() {
	closedCount := 0
	s.activeConnections.Range(func(key, value any) bool {
		if err := value.(net.Conn).Close(); err != nil {
			logger.Debug("Error force-closing connection #%d: %v", key.(uint64), err)
		} else {
			closedCount++
			s.metrics.RecordConnectionForceClosed()
		}
		return true
	})

	logger.Info("Force-closed %d TCP connection(s)", closedCount)
}

// Stop initiates shutdown and waits for handlers until ctx is done.
//
// Returns:
//   - nil if all handlers finished
//   - ctx.Err() if ctx ended first; the Serve loop still force-closes
//     leftovers after ShutdownTimeout
func (s *TCPAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	select {
	case <-s.drained():
		return nil
	case <-ctx.Done():
		logger.Warn("TCP stop context done with %d connection(s) still active: %v",
			s.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

// heartbeat logs activity every HeartbeatInterval until ctx is cancelled.
func (s *TCPAdapter) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("Heartbeat: active_connections=%d entities=%d closed_orders=%d",
				s.connCount.Load(), s.dispatcher.Registry().Len(), s.dispatcher.ClosedOrders())
		}
	}
}

// Ready is closed once the listener is bound.
func (s *TCPAdapter) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Serve has bound.
func (s *TCPAdapter) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GetActiveConnections returns the number of live handlers.
func (s *TCPAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// Port returns the bound port once listening, otherwise the configured one.
func (s *TCPAdapter) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

// Protocol returns "TCP".
func (s *TCPAdapter) Protocol() string {
	return "TCP"
}
