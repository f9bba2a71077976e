package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/tallyd/internal/ratelimiter"
	"github.com/marmos91/tallyd/pkg/client"
	"github.com/marmos91/tallyd/pkg/protocol"
	"github.com/marmos91/tallyd/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	adapter *TCPAdapter
	reg     *registry.Registry
	addr    string
	cancel  context.CancelFunc
	done    chan error
}

func startServer(t *testing.T, config TCPConfig) *testServer {
	t.Helper()

	config.Host = "127.0.0.1"
	config.Port = 0
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 2 * time.Second
	}

	reg := registry.New(registry.Config{})
	adapter := New(config, nil)
	adapter.SetDispatcher(protocol.NewDispatcher(reg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Serve(ctx) }()

	select {
	case <-adapter.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("adapter failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("adapter did not bind in time")
	}

	ts := &testServer{adapter: adapter, reg: reg, addr: adapter.Addr().String(), cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("adapter did not stop")
		}
	})
	return ts
}

func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.cancel()
	select {
	case err := <-ts.done:
		ts.done <- err // let Cleanup observe completion
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("adapter did not stop")
		return nil
	}
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func do(t *testing.T, c *client.Client, command string) []string {
	t.Helper()
	lines, err := c.Do(command)
	require.NoError(t, err, "command %q", command)
	return lines
}

func TestServe_BannerAndBasicCommands(t *testing.T) {
	ts := startServer(t, TCPConfig{})
	c := dial(t, ts.addr)

	assert.Equal(t, []string{"Bienvenido a tallyd.", "Comandos: " + protocol.HelpText}, c.Banner())

	do(t, c, "CREATE Clean Code|Robert C. Martin|2008")
	assert.Equal(t, []string{`ID=1 | "Clean Code" | Robert C. Martin | 2008 | DISPONIBLE`}, do(t, c, "GET 1"))
	assert.Equal(t, []string{"ERR Comando no reconocido"}, do(t, c, "DANCE"))
	assert.Equal(t, []string{
		"OK LIST 1",
		`ID=1 | "Clean Code" | Robert C. Martin | 2008 | DISPONIBLE`,
		"END",
	}, do(t, c, "LIST"))

	assert.Equal(t, []string{"BYE ¡Hasta luego!"}, do(t, c, "BYE"))
	_, err := c.Do("LIST")
	assert.ErrorIs(t, err, client.ErrClosed)
}

func TestServe_BlankLinesIgnored(t *testing.T) {
	ts := startServer(t, TCPConfig{})

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	r := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		_, err := r.ReadString('\n')
		require.NoError(t, err)
	}

	_, err = fmt.Fprint(conn, "\n   \n\r\nHELP\r\n")
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK "+protocol.HelpText+"\n", line)
}

func TestServe_HelpRoundTrip(t *testing.T) {
	ts := startServer(t, TCPConfig{})
	c := dial(t, ts.addr)

	// HELP mentions LIST but is a single line, not a framed block
	assert.Equal(t, []string{"OK " + protocol.HelpText}, do(t, c, "HELP"))
	assert.Equal(t, []string{"OK LIST 0", "END"}, do(t, c, "LIST"))
}

func TestClient_BlankCommandRejected(t *testing.T) {
	ts := startServer(t, TCPConfig{})
	c := dial(t, ts.addr)

	start := time.Now()
	for _, command := range []string{"", "   ", "\t"} {
		_, err := c.Do(command)
		assert.ErrorIs(t, err, client.ErrEmptyCommand, "command %q", command)
	}
	assert.Less(t, time.Since(start), time.Second)

	// The session is still in sync afterwards
	assert.Equal(t, []string{"OK " + protocol.HelpText}, do(t, c, "HELP"))
}

func TestServe_ConcurrentClientsConserveTotal(t *testing.T) {
	ts := startServer(t, TCPConfig{})
	setup := dial(t, ts.addr)
	do(t, setup, "CREATE A|qty=100000")
	do(t, setup, "CREATE B|qty=100000")

	const clients, perClient = 8, 100
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := client.Dial(context.Background(), ts.addr, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()

			command := "TRANSFER 1 2 10"
			if i%2 == 1 {
				command = "TRANSFER 2 1 20"
			}
			for j := 0; j < perClient; j++ {
				lines, err := c.Do(command)
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, strings.HasPrefix(lines[0], "OK "), lines[0])
			}
		}(i)
	}
	wg.Wait()

	a, err := ts.reg.Get(1)
	require.NoError(t, err)
	b, err := ts.reg.Get(2)
	require.NoError(t, err)
	assert.Equal(t, int64(200000), a.Snapshot().Quantity+b.Snapshot().Quantity)
	assert.Equal(t, int64(104000), a.Snapshot().Quantity)
}

func TestServe_BoundedModeQueues(t *testing.T) {
	ts := startServer(t, TCPConfig{MaxConnections: 1})
	first := dial(t, ts.addr)

	// The second client connects (kernel backlog) but is not served yet.
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	r := bufio.NewReader(conn)
	_, err = r.ReadString('\n')
	require.Error(t, err, "queued client must not receive the banner yet")
	assert.Equal(t, int32(1), ts.adapter.GetActiveConnections())

	do(t, first, "BYE")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Bienvenido a tallyd.\n", line)
}

func TestServe_RateLimitThrottles(t *testing.T) {
	ts := startServer(t, TCPConfig{RateLimit: ratelimiter.Config{RequestsPerSecond: 10, Burst: 1}})
	c := dial(t, ts.addr)

	start := time.Now()
	for i := 0; i < 4; i++ {
		do(t, c, "HELP")
	}
	// First command uses the burst token, the other three wait ~100ms each
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestServe_LineTooLongClosesConnection(t *testing.T) {
	ts := startServer(t, TCPConfig{})

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	r := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		_, err := r.ReadString('\n')
		require.NoError(t, err)
	}

	_, err = conn.Write([]byte(strings.Repeat("x", MaxLineLength+10) + "\n"))
	require.NoError(t, err)

	// The server may answer before closing; either way the session ends.
	for {
		if _, err = r.ReadString('\n'); err != nil {
			break
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection should be closed, not left open")
	}
	require.Eventually(t, func() bool { return ts.adapter.GetActiveConnections() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestServe_IdleTimeoutClosesConnection(t *testing.T) {
	ts := startServer(t, TCPConfig{IdleTimeout: 200 * time.Millisecond})
	c := dial(t, ts.addr)

	time.Sleep(500 * time.Millisecond)
	_, err := c.Do("HELP")
	assert.Error(t, err)
}

func TestServe_HeartbeatRunsAlongsideClients(t *testing.T) {
	ts := startServer(t, TCPConfig{HeartbeatInterval: 10 * time.Millisecond})
	c := dial(t, ts.addr)

	do(t, c, "CREATE Caja|qty=3")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"OK LIST 1", `ID=1 | "Caja" | qty=3 | DISPONIBLE`, "END"}, do(t, c, "LIST"))

	assert.NoError(t, ts.stop(t), "heartbeat stops with the adapter")
}

func TestGracefulShutdown_IdleClientsReleased(t *testing.T) {
	ts := startServer(t, TCPConfig{ShutdownTimeout: 2 * time.Second})
	c := dial(t, ts.addr)
	do(t, c, "HELP")

	require.Eventually(t, func() bool { return ts.adapter.GetActiveConnections() == 1 },
		time.Second, 10*time.Millisecond)

	start := time.Now()
	err := ts.stop(t)
	assert.NoError(t, err, "idle connections must drain without force-close")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(0), ts.adapter.GetActiveConnections())

	_, err = c.Do("HELP")
	assert.Error(t, err)
}

func TestGracefulShutdown_StopIsIdempotent(t *testing.T) {
	ts := startServer(t, TCPConfig{})
	dial(t, ts.addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, ts.adapter.Stop(ctx))
	require.NoError(t, ts.adapter.Stop(ctx))
	require.NoError(t, ts.stop(t))

	_, err := net.DialTimeout("tcp", ts.addr, 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestServe_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	adapter := New(TCPConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}, nil)
	adapter.SetDispatcher(protocol.NewDispatcher(registry.New(registry.Config{})))

	err = adapter.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create TCP listener")
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	assert.Panics(t, func() { New(TCPConfig{Port: 70000}, nil) })
	assert.Panics(t, func() { New(TCPConfig{MaxConnections: -1}, nil) })
}

func TestAdapterIdentity(t *testing.T) {
	ts := startServer(t, TCPConfig{})
	assert.Equal(t, "TCP", ts.adapter.Protocol())
	assert.NotZero(t, ts.adapter.Port())
	assert.Equal(t, ts.adapter.Addr().(*net.TCPAddr).Port, ts.adapter.Port())
}
