// Package ws accepts participant WebSocket connections. HTTP upgrades are
// served through a gin router; once upgraded, sockets are registered with a
// Linux epoll instance and ready sockets are read by a bounded worker pool.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxFrameBytes bounds a single inbound data frame.
const MaxFrameBytes = 128 * 1024

// pollTimeoutMs bounds how long the event loop waits before re-checking
// for shutdown.
const pollTimeoutMs = 200

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	Mode           string // gin mode: "release" or "debug"
	WorkerPoolSize int    // max concurrent read workers
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		Mode:           gin.ReleaseMode,
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades participants to WebSocket and feeds their frames to the
// message callback.
type Server struct {
	config       ServerConfig
	poller       *poller
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(c *Connection, data []byte)
	onConnect    func(c *Connection)
	onDisconnect func(c *Connection)
	router       *gin.Engine
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame.
func NewServer(config ServerConfig, onMessage func(c *Connection, data []byte)) (*Server, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("ws: create poller: %w", err)
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}

	if config.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if config.Mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	s := &Server{
		config:     config,
		poller:     p,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		router:     r,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.httpServer = &http.Server{Addr: config.ListenAddr, Handler: r}

	r.GET("/ws", s.handleUpgrade)
	r.GET("/health", s.handleHealth)
	return s, nil
}

// Router exposes the gin engine so callers can add routes before Start.
func (s *Server) Router() *gin.Engine { return s.router }

// SetOnConnect registers a callback run right after a connection is
// registered.
func (s *Server) SetOnConnect(fn func(c *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once per removed connection,
// whether it closed, failed a read, or missed heartbeats.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) { s.onDisconnect = fn }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve runs the event loop and heartbeat and serves HTTP on ln until
// Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.eventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().Str("module", "ws").Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).Int("max_conns", s.config.MaxConnections).Msg("listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(c *gin.Context) {
	if s.conns.Count() >= s.config.MaxConnections {
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		log.Debug().Str("module", "ws").Err(err).Msg("upgrade failed")
		return
	}

	conn := newConnection(uuid.NewString(), netConn, socketFD(netConn), s.config.WriteTimeout)
	s.conns.Add(conn)
	if err := s.poller.add(conn.Fd); err != nil {
		log.Error().Str("module", "ws").Str("participant", conn.ParticipantID).Err(err).Msg("poller add failed")
		s.conns.Remove(conn.ParticipantID)
		return
	}

	log.Debug().Str("module", "ws").Str("participant", conn.ParticipantID).Int("fd", conn.Fd).
		Int("total", s.conns.Count()).Msg("connected")

	if s.onConnect != nil {
		s.onConnect(conn)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// eventLoop hands every readable socket to a worker. The processing flag
// keeps level-triggered readiness from dispatching one socket twice.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		fds, err := s.poller.wait(pollTimeoutMs)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Error().Str("module", "ws").Err(err).Msg("poll wait failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, fd := range fds {
			conn := s.conns.GetByFd(fd)
			if conn == nil || !conn.processing.CompareAndSwap(false, true) {
				continue
			}
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				defer conn.processing.Store(false)
				s.readFrame(conn)
			}()
		}
	}
}

// readFrame reads one frame from a ready connection.
func (s *Server) readFrame(conn *Connection) {
	if s.config.ReadTimeout > 0 {
		_ = conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(conn.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout here is a spurious wakeup; heartbeats catch dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(conn)
		return
	}
	if header.Length > MaxFrameBytes {
		log.Warn().Str("module", "ws").Str("participant", conn.ParticipantID).
			Int64("length", header.Length).Msg("frame too large, closing")
		s.RemoveConnection(conn)
		return
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(conn)
			return
		}
	}
	_ = conn.Conn.SetReadDeadline(time.Time{})
	conn.Touch()

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(conn)
		return
	case ws.OpPing:
		if err := conn.writePong(payload); err != nil {
			s.RemoveConnection(conn)
		}
		return
	case ws.OpPong, ws.OpContinuation:
		return
	}

	if len(payload) > 0 && s.onMessage != nil {
		s.onMessage(conn, payload)
	}
}

// RemoveConnection unregisters and closes conn, then runs the disconnect
// callback. Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(conn *Connection) {
	_ = s.poller.remove(conn.Fd)
	if !s.conns.Remove(conn.ParticipantID) {
		return
	}
	if s.onDisconnect != nil {
		s.onDisconnect(conn)
	}
	log.Debug().Str("module", "ws").Str("participant", conn.ParticipantID).
		Int("total", s.conns.Count()).Msg("disconnected")
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Shutdown stops accepting connections, closes every open one without
// running disconnect callbacks, and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", shutdownErr)
		}
		for _, conn := range s.conns.All() {
			_ = s.poller.remove(conn.Fd)
			s.conns.Remove(conn.ParticipantID)
		}
		_ = s.poller.close()
		log.Info().Str("module", "ws").Msg("server stopped")
	})
	return err
}
