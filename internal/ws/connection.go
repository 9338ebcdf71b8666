package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/pairing/internal/metrics"
)

// ErrConnectionClosed is returned by Send once the connection is gone.
var ErrConnectionClosed = errors.New("ws: connection closed")

// Connection is one participant's WebSocket. It implements session.Handle so
// the matcher, registry and relay can address the participant directly.
type Connection struct {
	ParticipantID string
	Conn          net.Conn
	Fd            int
	CreatedAt     time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes outbound frames
	lastSeen     atomic.Int64
	processing   atomic.Bool // set while a worker reads from this connection
	closed       atomic.Bool
}

func newConnection(participantID string, conn net.Conn, fd int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ParticipantID: participantID,
		Conn:          conn,
		Fd:            fd,
		CreatedAt:     time.Now(),
		writeTimeout:  writeTimeout,
	}
	c.Touch()
	return c
}

// ID returns the participant id assigned at upgrade.
func (c *Connection) ID() string { return c.ParticipantID }

// Send writes a text frame. Concurrent calls never interleave frame bytes.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.writeFrame(ws.NewTextFrame(data))
}

// writeFrame holds writeMu for one frame. Every write carries the deadline so
// a client that stops reading cannot pin writeMu.
func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return ws.WriteFrame(c.Conn, f)
}

// Alive reports whether the connection is still open.
func (c *Connection) Alive() bool { return !c.closed.Load() }

// Touch records activity from the client.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last frame received from the client.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	return c.writeFrame(ws.NewPongFrame(payload))
}

// Close marks the connection dead and closes the socket. It is idempotent.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.Conn.Close()
}

// ConnectionManager indexes open connections by participant id and by file
// descriptor.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ParticipantID] = c
	cm.byFd[c.Fd] = c
	cm.mu.Unlock()
	metrics.ConnectionsTotal.Inc()
}

// Remove unregisters and closes the connection. It returns false when the
// connection was already gone, so concurrent removals clean up only once.
func (cm *ConnectionManager) Remove(participantID string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[participantID]
	if ok {
		delete(cm.byID, participantID)
		if cm.byFd[c.Fd] == c {
			delete(cm.byFd, c.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
		metrics.ConnectionsTotal.Dec()
	}
	return ok
}

// Get returns the connection for participantID, or nil.
func (cm *ConnectionManager) Get(participantID string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[participantID]
}

// GetByFd returns the connection registered for fd, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byFd[fd]
}

// Count returns the number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the open connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
