// Package client is a minimal tallyd line-protocol client.
//
// It understands the response framing of the server: one line per command,
// except LIST and HISTORY which return a counted block closed by END.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/marmos91/tallyd/pkg/protocol"
)

// bannerLines is the number of greeting lines sent on connect.
const bannerLines = 2

// ErrClosed is returned after the server ended the session.
var ErrClosed = errors.New("session closed by server")

// ErrEmptyCommand is returned for a blank command, which the server ignores
// without replying.
var ErrEmptyCommand = errors.New("empty command")

// Client holds one connection. Not safe for concurrent use.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	banner  []string
	closed  bool
}

// Dial connects to addr and consumes the greeting.
//
// Parameters:
//   - ctx: Bounds the dial
//   - addr: "host:port" of the server
//   - timeout: Per-command deadline for Do; 0 disables it
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}

	if err := c.armDeadline(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	for i := 0; i < bannerLines; i++ {
		line, err := c.readLine()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to read banner: %w", err)
		}
		c.banner = append(c.banner, line)
	}

	return c, nil
}

// Banner returns the greeting lines.
func (c *Client) Banner() []string {
	return c.banner
}

// Do sends one command and returns the complete response.
//
// For framed responses the returned slice includes the header and the END
// line. After a BYE response the connection is unusable and later calls
// return ErrClosed.
func (c *Client) Do(command string) ([]string, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}
	if strings.ContainsAny(command, "\r\n") {
		return nil, fmt.Errorf("command must be a single line")
	}

	if err := c.armDeadline(); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	header, err := c.readLine()
	if err != nil {
		return nil, err
	}
	lines := []string{header}

	if strings.HasPrefix(header, "BYE") {
		c.closed = true
		return lines, nil
	}
	if !protocol.IsFramed(header) {
		return lines, nil
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return lines, fmt.Errorf("truncated response: %w", err)
		}
		lines = append(lines, line)
		if line == protocol.FrameEnd {
			return lines, nil
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closed = true
	return c.conn.Close()
}

func (c *Client) armDeadline() error {
	if c.timeout <= 0 {
		return nil
	}
	return c.conn.SetDeadline(time.Now().Add(c.timeout))
}

func (c *Client) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
