package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/internal/ratelimiter"
	"github.com/marmos91/tallyd/pkg/metrics"
	"github.com/marmos91/tallyd/pkg/protocol"
)

// WebSocketAdapter serves the line protocol to browsers and other
// WebSocket clients.
//
// Framing:
// Every text message from the client carries one command (several if it
// contains newlines). Every response is sent back as one text message whose
// lines are joined by '\n', so a framed LIST or HISTORY arrives whole.
// The banner is the first message after the upgrade.
//
// Connection limiting:
// An HTTP upgrade cannot wait in the kernel backlog, so with
// MaxConnections > 0 excess upgrade requests are refused with 503.
//
// Graceful shutdown follows the TCP adapter: the HTTP listener closes,
// blocked reads are interrupted, in-flight commands finish, and sockets
// still open after ShutdownTimeout are force-closed.
type WebSocketAdapter struct {
	config WebSocketConfig

	dispatcher *protocol.Dispatcher

	metrics metrics.TCPMetrics

	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener

	ready chan struct{}

	activeConns sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}

	connCount  atomic.Int32
	nextConnID atomic.Uint64

	connSemaphore chan struct{}

	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// activeConnections maps connection id -> *websocket.Conn
	activeConnections sync.Map
}

// WebSocketConfig configures the WebSocket adapter.
type WebSocketConfig struct {
	// Enabled controls whether the adapter is started
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the bind address. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// Port is the HTTP port. 0 selects an ephemeral port.
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// Path is the URL path that accepts upgrades
	Path string `mapstructure:"path" yaml:"path"`

	// AllowedOrigins lists accepted Origin headers. Empty accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`

	// MaxConnections bounds concurrent sessions. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// WriteTimeout bounds writing one response. 0 means no timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0" yaml:"write_timeout"`

	// IdleTimeout closes sessions that send neither commands nor pongs for
	// this long. Pings go out at half this period. 0 disables both.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0" yaml:"idle_timeout"`

	// ShutdownTimeout is how long shutdown waits before force-closing.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// RateLimit throttles each session's commands
	RateLimit ratelimiter.Config `mapstructure:"rate_limit" yaml:"rate_limit"`
}

func (c *WebSocketConfig) applyDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *WebSocketConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("invalid path %q: must start with /", c.Path)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("invalid timeouts write=%v idle=%v: must be >= 0", c.WriteTimeout, c.IdleTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// New creates a WebSocket adapter. It panics on an invalid config.
//
// The collector may be shared with the TCP adapter: command and connection
// series are not labelled by transport. nil selects a no-op.
func New(config WebSocketConfig, wsMetrics metrics.TCPMetrics) *WebSocketAdapter {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid WebSocket config: %v", err))
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
	}

	if wsMetrics == nil {
		wsMetrics = metrics.NewNoopTCPMetrics()
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	s := &WebSocketAdapter{
		config:         config,
		metrics:        wsMetrics,
		ready:          make(chan struct{}),
		shutdown:       make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketAdapter) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// SetDispatcher injects the shared command dispatcher.
func (s *WebSocketAdapter) SetDispatcher(d *protocol.Dispatcher) {
	s.dispatcher = d
	logger.Debug("WebSocket dispatcher configured")
}

// Serve binds the HTTP listener and upgrades clients until ctx is cancelled
// or Stop is called.
func (s *WebSocketAdapter) Serve(ctx context.Context) error {
	if s.dispatcher == nil {
		return fmt.Errorf("WebSocket adapter has no dispatcher")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create WebSocket listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.mu.Unlock()
	close(s.ready)

	select {
	case <-s.shutdown:
		_ = httpServer.Close()
	default:
	}

	logger.Info("WebSocket server listening on ws://%s%s", listener.Addr(), s.config.Path)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("WebSocket shutdown signal received: %v", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	err = httpServer.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.initiateShutdown()
		return fmt.Errorf("WebSocket server error: %w", err)
	}

	return s.gracefulShutdown()
}

func (s *WebSocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if s.connSemaphore != nil {
		select {
		case s.connSemaphore <- struct{}{}:
		default:
			logger.Debug("WebSocket connection from %s refused: limit %d reached", r.RemoteAddr, s.config.MaxConnections)
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		logger.Debug("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		if s.connSemaphore != nil {
			<-s.connSemaphore
		}
		return
	}

	s.activeConns.Add(1)
	connID := s.nextConnID.Add(1)
	s.activeConnections.Store(connID, wsConn)
	currentConns := s.connCount.Add(1)

	s.metrics.RecordConnectionAccepted()
	s.metrics.SetActiveConnections(currentConns)

	logger.Debug("WebSocket connection #%d accepted from %s (active: %d)", connID, wsConn.RemoteAddr(), currentConns)

	// Handlers outlive the HTTP request; the hijacked socket is ours now.
	go func() {
		defer func() {
			s.activeConnections.Delete(connID)
			currentConns := s.connCount.Add(-1)
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}

			s.metrics.RecordConnectionClosed()
			s.metrics.SetActiveConnections(currentConns)

			logger.Debug("WebSocket connection #%d closed (active: %d)", connID, currentConns)
			s.activeConns.Done()
		}()

		newWSConnection(s, wsConn).Serve(s.shutdownCtx)
	}()

	// Stop may have interrupted reads before this connection was stored
	if s.shutdownCtx.Err() != nil {
		_ = wsConn.SetReadDeadline(time.Now())
	}
}

// initiateShutdown closes the HTTP server, cancels the request context and
// interrupts blocked reads. Idempotent.
func (s *WebSocketAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("WebSocket shutdown initiated")

		close(s.shutdown)

		s.mu.Lock()
		if s.httpServer != nil {
			// Close does not touch hijacked connections
			if err := s.httpServer.Close(); err != nil {
				logger.Debug("Error closing WebSocket HTTP server: %v", err)
			}
		}
		s.mu.Unlock()

		s.cancelRequests()

		s.activeConnections.Range(func(_, value any) bool {
			_ = value.(*websocket.Conn).SetReadDeadline(time.Now())
			return true
		})
	})
}

func (s *WebSocketAdapter) gracefulShutdown() error {
	logger.Info("WebSocket graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		s.connCount.Load(), s.config.ShutdownTimeout)

	select {
	case <-s.drained():
		logger.Info("WebSocket graceful shutdown complete: all connections closed")
		return nil

	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("WebSocket shutdown timeout exceeded: %d connection(s) still active after %v, forcing closure",
			remaining, s.config.ShutdownTimeout)

		s.activeConnections.Range(func(_, value any) bool {
			if err := value.(*websocket.Conn).Close(); err == nil {
				s.metrics.RecordConnectionForceClosed()
			}
			return true
		})
		return fmt.Errorf("WebSocket shutdown timeout: %d connections force-closed", remaining)
	}
}

func (s *WebSocketAdapter) drained() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()
	return done
}

// Stop initiates shutdown and waits for handlers until ctx is done.
func (s *WebSocketAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	select {
	case <-s.drained():
		return nil
	case <-ctx.Done():
		logger.Warn("WebSocket stop context done with %d connection(s) still active: %v",
			s.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

// Ready is closed once the listener is bound.
func (s *WebSocketAdapter) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Serve has bound.
func (s *WebSocketAdapter) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the ws:// URL clients dial, or "" before Serve has bound.
func (s *WebSocketAdapter) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return "ws://" + addr.String() + s.config.Path
}

// GetActiveConnections returns the number of live sessions.
func (s *WebSocketAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// Port returns the bound port once listening, otherwise the configured one.
func (s *WebSocketAdapter) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

// Protocol returns "WebSocket".
func (s *WebSocketAdapter) Protocol() string {
	return "WebSocket"
}
