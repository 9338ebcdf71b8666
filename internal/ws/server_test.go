//go:build linux

package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/protocol"
)

func startTestServer(t *testing.T, onMessage func(*Connection, []byte), setup func(*Server)) (*Server, string) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.ReadTimeout = time.Second
	s, err := NewServer(cfg, onMessage)
	require.NoError(t, err)
	if setup != nil {
		setup(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, ln.Addr().String()
}

// clientConn reads through the handshake buffer, which may already hold
// frames the server sent right after the upgrade.
type clientConn struct {
	io.Reader
	net.Conn
}

func (c clientConn) Read(p []byte) (int, error) { return c.Reader.Read(p) }

func dial(ctx context.Context, t *testing.T, addr string) clientConn {
	t.Helper()
	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	require.NoError(t, err)
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return clientConn{Reader: r, Conn: conn}
}

func TestServerEchoAndDisconnect(t *testing.T) {
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	s, addr := startTestServer(t, func(c *Connection, data []byte) {
		_ = c.Send(data)
	}, func(s *Server) {
		s.SetOnConnect(func(c *Connection) {
			_ = c.Send(protocol.MustServerMessage(protocol.TypeWelcome, protocol.WelcomeMsg{ParticipantID: c.ID()}))
			connected <- c.ID()
		})
		s.SetOnDisconnect(func(c *Connection) { disconnected <- c.ID() })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn := dial(ctx, t, addr)

	var id string
	select {
	case id = <-connected:
	case <-ctx.Done():
		t.Fatal("no connect callback")
	}

	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	assert.Contains(t, string(data), id)

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	data, err = wsutil.ReadServerText(conn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
	assert.Equal(t, 1, s.Connections().Count())

	require.NoError(t, conn.Close())
	select {
	case got := <-disconnected:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect callback")
	}
	assert.Equal(t, 0, s.Connections().Count())
}

func TestServerHealth(t *testing.T) {
	_, addr := startTestServer(t, nil, nil)

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + addr + "/health")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHeartbeatEvictsSilentConnections(t *testing.T) {
	evicted := make(chan string, 1)
	s, addr := startTestServer(t, nil, func(s *Server) {
		s.SetOnDisconnect(func(c *Connection) { evicted <- c.ID() })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn := dial(ctx, t, addr)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Connections().Count() == 1 }, time.Second, 5*time.Millisecond)
	checkConnections(s, HeartbeatConfig{Interval: time.Second, Timeout: time.Second}, time.Now().Add(time.Minute))

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("silent connection was not evicted")
	}
	assert.Equal(t, 0, s.Connections().Count())
}
