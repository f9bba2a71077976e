package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/internal/ratelimiter"
	"github.com/marmos91/tallyd/pkg/metrics"
	"github.com/marmos91/tallyd/pkg/protocol"
)

// MaxLineLength bounds a single request line in bytes.
const MaxLineLength = 64 * 1024

// TCPConnection serves one client until EOF, BYE, timeout or shutdown.
type TCPConnection struct {
	server  *TCPAdapter
	conn    net.Conn
	session *protocol.Session
	limiter *ratelimiter.RateLimiter
	writer  *bufio.Writer
}

func newTCPConnection(server *TCPAdapter, conn net.Conn) *TCPConnection {
	return &TCPConnection{
		server:  server,
		conn:    conn,
		session: protocol.NewSession(conn.RemoteAddr().String()),
		limiter: ratelimiter.NewFromConfig(server.config.RateLimit),
		writer:  bufio.NewWriter(conn),
	}
}

// Serve runs the read-dispatch-write loop.
//
// A command that has started executing always runs to completion and gets
// its response written, even if ctx is cancelled meanwhile; the loop only
// checks ctx between commands. The socket is closed on return.
func (c *TCPConnection) Serve(ctx context.Context) {
	sessionID := c.session.ID
	clientAddr := c.session.RemoteAddr

	defer func() {
		if r := recover(); r != nil {
			logger.Error("[%s] Panic in connection handler from %s: %v", sessionID, clientAddr, r)
		}
		_ = c.conn.Close()
		logger.Debug("[%s] Session ended for %s", sessionID, clientAddr)
	}()

	logger.Debug("[%s] New connection from %s", sessionID, clientAddr)

	if err := c.writeLines(c.server.dispatcher.Banner()); err != nil {
		logger.Debug("[%s] Failed to write banner to %s: %v", sessionID, clientAddr, err)
		return
	}

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineLength)

	for {
		if err := c.armReadDeadline(); err != nil {
			logger.Warn("[%s] Failed to set read deadline for %s: %v", sessionID, clientAddr, err)
			return
		}

		// Checked after arming the deadline so a concurrent shutdown either
		// is seen here or interrupts the read below.
		if ctx.Err() != nil {
			logger.Debug("[%s] Connection from %s closed due to server shutdown", sessionID, clientAddr)
			return
		}

		if !scanner.Scan() {
			c.logReadEnd(scanner.Err())
			return
		}
		line := scanner.Text()

		if err := c.limiter.Wait(ctx); err != nil {
			logger.Debug("[%s] Rate limit wait aborted for %s: %v", sessionID, clientAddr, err)
			return
		}

		start := time.Now()
		resp := c.server.dispatcher.Handle(context.WithoutCancel(ctx), c.session, line)
		if resp.Command == "" {
			continue
		}

		status := metrics.StatusOK
		if !resp.OK {
			status = metrics.StatusError
		}
		c.server.metrics.RecordCommand(resp.Command, time.Since(start), status)

		if err := c.writeLines(resp.Lines); err != nil {
			logger.Debug("[%s] Error writing response to %s: %v", sessionID, clientAddr, err)
			return
		}

		if resp.Close {
			logger.Debug("[%s] Client %s said BYE", sessionID, clientAddr)
			return
		}
	}
}

func (c *TCPConnection) armReadDeadline() error {
	timeout := c.server.config.IdleTimeout
	if timeout == 0 {
		timeout = c.server.config.ReadTimeout
	}
	if timeout == 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (c *TCPConnection) logReadEnd(err error) {
	sessionID, clientAddr := c.session.ID, c.session.RemoteAddr

	var netErr net.Error
	switch {
	case err == nil || errors.Is(err, io.EOF):
		logger.Debug("[%s] Connection from %s closed by client", sessionID, clientAddr)
	case errors.Is(err, bufio.ErrTooLong):
		logger.Warn("[%s] Line from %s exceeds %d bytes", sessionID, clientAddr, MaxLineLength)
		_ = c.writeLines([]string{"ERR Línea demasiado larga"})
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Debug("[%s] Connection from %s timed out or interrupted: %v", sessionID, clientAddr, err)
	default:
		logger.Debug("[%s] Error reading from %s: %v", sessionID, clientAddr, err)
	}
}

// writeLines writes each line followed by '\n' and flushes once.
func (c *TCPConnection) writeLines(lines []string) error {
	if c.server.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout)); err != nil {
			return err
		}
	}

	for _, line := range lines {
		if _, err := c.writer.WriteString(line); err != nil {
			return err
		}
		if err := c.writer.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}
