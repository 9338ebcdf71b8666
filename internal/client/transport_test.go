package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/protocol"
)

// startServer accepts one WebSocket, greets it, and forwards every client
// frame to received. Closing kill drops the connection.
func startServer(t *testing.T) (url string, received <-chan []byte, kill chan<- struct{}) {
	t.Helper()
	recv := make(chan []byte, 16)
	killc := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		welcome := protocol.MustServerMessage(protocol.TypeWelcome, protocol.WelcomeMsg{ParticipantID: "p-1"})
		if err := wsutil.WriteServerMessage(conn, ws.OpText, welcome); err != nil {
			conn.Close()
			return
		}
		go func() {
			<-killc
			conn.Close()
		}()
		go func(c net.Conn) {
			for {
				data, err := wsutil.ReadClientText(c)
				if err != nil {
					return
				}
				recv <- data
			}
		}(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://"), recv, killc
}

func TestWSTransportRoundTrip(t *testing.T) {
	url, received, kill := startServer(t)
	tr := NewWSTransport(url)
	t.Cleanup(func() { _ = tr.Close() })

	welcomed := make(chan protocol.WelcomeMsg, 1)
	tr.On(protocol.TypeWelcome, func(raw json.RawMessage) {
		var m protocol.WelcomeMsg
		_ = json.Unmarshal(raw, &m)
		welcomed <- m
	})
	lost := make(chan error, 1)
	tr.OnDisconnect(func(err error) { lost <- err })

	require.ErrorIs(t, tr.Send(protocol.TypeCancelMatch, nil), ErrNotConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))

	select {
	case m := <-welcomed:
		assert.Equal(t, "p-1", m.ParticipantID)
	case <-time.After(5 * time.Second):
		t.Fatal("no welcome")
	}

	require.NoError(t, tr.Send(protocol.TypeFindMatch, protocol.FindMatchMsg{Identity: "m", Preference: "everyone"}))
	select {
	case data := <-received:
		msgType, msg, err := protocol.ParseClientMessage(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeFindMatch, msgType)
		assert.Equal(t, "m", msg.(protocol.FindMatchMsg).Identity)
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
	}

	close(kill)
	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.ErrorIs(t, tr.Send(protocol.TypeCancelMatch, nil), ErrNotConnected)
}

func TestWSTransportCloseIsSilent(t *testing.T) {
	url, _, _ := startServer(t)
	tr := NewWSTransport(url)

	lost := make(chan error, 1)
	tr.OnDisconnect(func(err error) { lost <- err })
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Close())

	select {
	case <-lost:
		t.Fatal("Close reported as a disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSTransportDialError(t *testing.T) {
	tr := NewWSTransport("ws://127.0.0.1:1")
	assert.Error(t, tr.Connect(context.Background()))
}
