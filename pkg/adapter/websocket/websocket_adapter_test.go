package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marmos91/tallyd/pkg/protocol"
	"github.com/marmos91/tallyd/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	adapter *WebSocketAdapter
	reg     *registry.Registry
	cancel  context.CancelFunc
	done    chan error
}

func startServer(t *testing.T, config WebSocketConfig) *testServer {
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

	ts := &testServer{adapter: adapter, reg: reg, cancel: cancel, done: done}
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
		ts.done <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("adapter did not stop")
		return nil
	}
}

// dial connects and consumes the banner.
func dial(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.adapter.URL(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	banner := read(t, conn)
	require.Equal(t, "Bienvenido a tallyd.\nComandos: "+protocol.HelpText, banner)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func do(t *testing.T, conn *websocket.Conn, command string) string {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(command)))
	return read(t, conn)
}

func TestServe_CommandsAndFraming(t *testing.T) {
	ts := startServer(t, WebSocketConfig{})
	conn := dial(t, ts)

	assert.Equal(t, `OK Created: ID=1 | "Clean Code" | Robert C. Martin | 2008 | DISPONIBLE`,
		do(t, conn, "CREATE Clean Code|Robert C. Martin|2008"))
	assert.Equal(t, `ID=1 | "Clean Code" | Robert C. Martin | 2008 | DISPONIBLE`, do(t, conn, "GET 1"))
	assert.Equal(t, "ERR Comando no reconocido", do(t, conn, "DANCE"))

	// A framed response arrives as a single message
	assert.Equal(t, "OK LIST 1\n"+`ID=1 | "Clean Code" | Robert C. Martin | 2008 | DISPONIBLE`+"\nEND",
		do(t, conn, "LIST"))
}

func TestServe_MultiLineMessage(t *testing.T) {
	ts := startServer(t, WebSocketConfig{})
	conn := dial(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("CREATE A\n\nCREATE B\r\n")))
	assert.True(t, strings.HasPrefix(read(t, conn), "OK Created: ID=1 "))
	assert.True(t, strings.HasPrefix(read(t, conn), "OK Created: ID=2 "), "blank lines get no response")
	assert.Equal(t, 2, ts.reg.Len())
}

func TestServe_ByeClosesSession(t *testing.T) {
	ts := startServer(t, WebSocketConfig{})
	conn := dial(t, ts)

	assert.Equal(t, "BYE ¡Hasta luego!", do(t, conn, "BYE"))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServe_SharesRegistryAcrossSessions(t *testing.T) {
	ts := startServer(t, WebSocketConfig{})
	_, err := ts.reg.Create(context.Background(), registry.EntitySpec{Name: "Caja", Quantity: 1000, Tracked: true})
	require.NoError(t, err)
	_, err = ts.reg.Create(context.Background(), registry.EntitySpec{Name: "Banco", Tracked: true})
	require.NoError(t, err)

	const clients, transfers = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		conn := dial(t, ts)
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for j := 0; j < transfers; j++ {
				if err := conn.WriteMessage(websocket.TextMessage, []byte("TRANSFER 1 2 1")); err != nil {
					t.Error(err)
					return
				}
				if _, _, err := conn.ReadMessage(); err != nil {
					t.Error(err)
					return
				}
			}
		}(conn)
	}
	wg.Wait()

	list := ts.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, int64(1000-clients*transfers), list[0].Quantity)
	assert.Equal(t, int64(clients*transfers), list[1].Quantity)
}

func TestServe_MaxConnectionsRefusesExcess(t *testing.T) {
	ts := startServer(t, WebSocketConfig{MaxConnections: 1})
	dial(t, ts)

	_, resp, err := websocket.DefaultDialer.Dial(ts.adapter.URL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServe_OriginCheck(t *testing.T) {
	ts := startServer(t, WebSocketConfig{AllowedOrigins: []string{"http://tallyd.local"}})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(ts.adapter.URL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://tallyd.local")
	conn, resp, err := websocket.DefaultDialer.Dial(ts.adapter.URL(), header)
	require.NoError(t, err)
	defer resp.Body.Close()
	_ = conn.Close()
}

func TestServe_MessageTooLargeClosesSession(t *testing.T) {
	ts := startServer(t, WebSocketConfig{})
	conn := dial(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", MaxMessageSize+1))))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	// Either the CloseMessageTooBig frame or a reset, depending on timing
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return ts.adapter.GetActiveConnections() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServe_IdleTimeoutClosesSession(t *testing.T) {
	ts := startServer(t, WebSocketConfig{IdleTimeout: 200 * time.Millisecond})

	// The dialer's default pong handler is only run while reading; a client
	// that never reads never answers pings and gets dropped.
	conn, resp, err := websocket.DefaultDialer.Dial(ts.adapter.URL(), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		return ts.adapter.GetActiveConnections() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return ts.adapter.GetActiveConnections() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGracefulShutdown_IdleSessionsReleased(t *testing.T) {
	ts := startServer(t, WebSocketConfig{})
	dial(t, ts)
	dial(t, ts)

	require.Eventually(t, func() bool {
		return ts.adapter.GetActiveConnections() == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(t, ts.stop(t))
	assert.Equal(t, int32(0), ts.adapter.GetActiveConnections())
}

func TestGracefulShutdown_StopIsIdempotent(t *testing.T) {
	ts := startServer(t, WebSocketConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, ts.adapter.Stop(ctx))
	assert.NoError(t, ts.adapter.Stop(ctx))
	assert.NoError(t, ts.stop(t))
}

func TestServe_NoDispatcher(t *testing.T) {
	adapter := New(WebSocketConfig{Host: "127.0.0.1"}, nil)
	assert.Error(t, adapter.Serve(context.Background()))
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	assert.Panics(t, func() { New(WebSocketConfig{Port: 70000}, nil) })
	assert.Panics(t, func() { New(WebSocketConfig{Path: "ws"}, nil) })
}

func TestAdapterIdentity(t *testing.T) {
	adapter := New(WebSocketConfig{Port: 7778}, nil)
	assert.Equal(t, "WebSocket", adapter.Protocol())
	assert.Equal(t, 7778, adapter.Port())
	assert.Equal(t, "", adapter.URL())
	assert.Nil(t, adapter.Addr())
}
