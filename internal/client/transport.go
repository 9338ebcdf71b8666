package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/protocol"
)

// Handler receives the full raw JSON of a server message.
type Handler func(msg json.RawMessage)

// Transport is an ordered, bidirectional message channel to the pairing
// server. Handlers run on the transport's read goroutine.
type Transport interface {
	// Connect dials the server, replacing any previous connection.
	Connect(ctx context.Context) error
	// Send encodes payload as a message of the given type.
	Send(event string, payload interface{}) error
	// On registers the handler for a server message type.
	On(event string, h Handler)
	// OnDisconnect is called once per connection that is lost without Close.
	OnDisconnect(fn func(err error))
	Close() error
}

// ErrNotConnected is returned by Send without a live connection.
var ErrNotConnected = errors.New("client: transport not connected")

// WSTransport is a Transport over a gobwas/ws client connection.
type WSTransport struct {
	url         string
	dialTimeout time.Duration

	mu           sync.Mutex
	conn         net.Conn
	handlers     map[string]Handler
	onDisconnect func(error)
}

// NewWSTransport creates a transport for url. Connect must be called before
// Send.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{
		url:         url,
		dialTimeout: 10 * time.Second,
		handlers:    make(map[string]Handler),
	}
}

// Connect implements Transport.
func (t *WSTransport) Connect(ctx context.Context) error {
	dialer := ws.Dialer{Timeout: t.dialTimeout}
	conn, br, _, err := dialer.Dial(ctx, t.url)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	// Frames sent right after the handshake may already sit in br.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	go t.readLoop(conn, r)
	return nil
}

// Send implements Transport. It is safe for concurrent use.
func (t *WSTransport) Send(event string, payload interface{}) error {
	data, err := protocol.NewClientMessage(event, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

// On implements Transport.
func (t *WSTransport) On(event string, h Handler) {
	t.mu.Lock()
	t.handlers[event] = h
	t.mu.Unlock()
}

// OnDisconnect implements Transport.
func (t *WSTransport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// lockedWriter serializes control-frame replies with Send.
type lockedWriter struct {
	t    *WSTransport
	conn net.Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	return w.conn.Write(p)
}

func (t *WSTransport) readLoop(conn net.Conn, r io.Reader) {
	rw := struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{t: t, conn: conn}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			t.mu.Lock()
			current := t.conn == conn
			if current {
				t.conn = nil
			}
			fn := t.onDisconnect
			t.mu.Unlock()

			_ = conn.Close()
			if current && fn != nil {
				log.Debug().Str("module", "client").Err(err).Msg("transport lost")
				fn(err)
			}
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		t.mu.Lock()
		h := t.handlers[env.Type]
		t.mu.Unlock()
		if h != nil {
			h(json.RawMessage(data))
		}
	}
}
