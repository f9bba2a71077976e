package websocket

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/internal/ratelimiter"
	"github.com/marmos91/tallyd/pkg/metrics"
	"github.com/marmos91/tallyd/pkg/protocol"
)

// MaxMessageSize bounds a single client message in bytes.
const MaxMessageSize = 64 * 1024

// WSConnection serves one WebSocket session.
type WSConnection struct {
	server  *WebSocketAdapter
	conn    *websocket.Conn
	session *protocol.Session
	limiter *ratelimiter.RateLimiter
}

func newWSConnection(server *WebSocketAdapter, conn *websocket.Conn) *WSConnection {
	return &WSConnection{
		server:  server,
		conn:    conn,
		session: protocol.NewSession(conn.RemoteAddr().String()),
		limiter: ratelimiter.NewFromConfig(server.config.RateLimit),
	}
}

// Serve runs the read-dispatch-write loop. As on TCP, a command that has
// started always completes and gets its response.
func (c *WSConnection) Serve(ctx context.Context) {
	sessionID := c.session.ID
	clientAddr := c.session.RemoteAddr

	stopPing := make(chan struct{})
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[%s] Panic in WebSocket handler from %s: %v", sessionID, clientAddr, r)
		}
		close(stopPing)
		_ = c.conn.Close()
		logger.Debug("[%s] WebSocket session ended for %s", sessionID, clientAddr)
	}()

	logger.Debug("[%s] New WebSocket session from %s", sessionID, clientAddr)

	c.conn.SetReadLimit(MaxMessageSize)

	idle := c.server.config.IdleTimeout
	if idle > 0 {
		c.conn.SetPongHandler(func(string) error {
			return c.armReadDeadline()
		})
		go c.ping(idle/2, stopPing)
	}

	if err := c.writeResponse(c.server.dispatcher.Banner()); err != nil {
		logger.Debug("[%s] Failed to write banner to %s: %v", sessionID, clientAddr, err)
		return
	}

	for {
		if err := c.armReadDeadline(); err != nil {
			return
		}
		if ctx.Err() != nil {
			logger.Debug("[%s] WebSocket session from %s closed due to server shutdown", sessionID, clientAddr)
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadEnd(err)
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "text messages only")
			return
		}

		for _, line := range strings.Split(string(data), "\n") {
			done, err := c.handleLine(ctx, line)
			if err != nil {
				logger.Debug("[%s] WebSocket session from %s aborted: %v", sessionID, clientAddr, err)
				return
			}
			if done {
				logger.Debug("[%s] Client %s said BYE", sessionID, clientAddr)
				c.closeWith(websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

// handleLine executes one command and reports whether the session ends.
func (c *WSConnection) handleLine(ctx context.Context, line string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return true, err
	}

	start := time.Now()
	resp := c.server.dispatcher.Handle(context.WithoutCancel(ctx), c.session, line)
	if resp.Command == "" {
		return false, nil
	}

	status := metrics.StatusOK
	if !resp.OK {
		status = metrics.StatusError
	}
	c.server.metrics.RecordCommand(resp.Command, time.Since(start), status)

	if err := c.writeResponse(resp.Lines); err != nil {
		return true, err
	}
	return resp.Close, nil
}

func (c *WSConnection) armReadDeadline() error {
	if c.server.config.IdleTimeout == 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.server.config.IdleTimeout))
}

// ping keeps the idle deadline fed while the client answers pings.
// WriteControl may run concurrently with the handler's writes.
func (c *WSConnection) ping(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(period)); err != nil {
				return
			}
		}
	}
}

func (c *WSConnection) logReadEnd(err error) {
	sessionID, clientAddr := c.session.ID, c.session.RemoteAddr

	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logger.Debug("[%s] WebSocket session from %s closed by client", sessionID, clientAddr)
	case errors.Is(err, websocket.ErrReadLimit):
		// The library already sent CloseMessageTooBig
		logger.Warn("[%s] Message from %s exceeds %d bytes", sessionID, clientAddr, MaxMessageSize)
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Debug("[%s] WebSocket session from %s timed out or interrupted: %v", sessionID, clientAddr, err)
	default:
		logger.Debug("[%s] Error reading from %s: %v", sessionID, clientAddr, err)
	}
}

// writeResponse sends lines as one text message.
func (c *WSConnection) writeResponse(lines []string) error {
	if c.server.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(strings.Join(lines, "\n")))
}

func (c *WSConnection) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
