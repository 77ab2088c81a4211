// Package ws is the WebSocket transport: it upgrades HTTP connections with
// gobwas/ws, watches them for readability with epoll, and hands complete
// frames to a bounded worker pool.
package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/metrics"
	"github.com/duet/chat-relay/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8000"
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // deadline for reading one frame once readable
	WriteTimeout   time.Duration // deadline for writing one frame
	MaxFrameBytes  int64         // larger client frames close the connection
	Heartbeat      HeartbeatConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8000",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  16 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

type Server struct {
	config     ServerConfig
	poller     *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	log        zerolog.Logger

	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection, hs protocol.Handshake)
	onDisconnect func(conn *Connection)
	api          http.Handler

	done      chan struct{}
	stopOnce  sync.Once
	startedAt time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete data frame; frames of one connection are delivered
// one at a time, in order.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	poller, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: create poller: %w", err)
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}

	s := &Server{
		config:     config,
		poller:     poller,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		log:        logging.For("ws"),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// SetOnConnect registers a callback run on the upgrade goroutine before the
// connection starts reading. Frames it writes reach the client first.
func (s *Server) SetOnConnect(fn func(conn *Connection, hs protocol.Handshake)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once per removed connection,
// whether it closed, failed a read, timed out, or the server shut down.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Mount serves h for every path the server does not handle itself.
func (s *Server) Mount(h http.Handler) {
	s.api = h
}

// Handler returns the HTTP routes: /ws, /health, /metrics and the mounted
// handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if s.api == nil {
			http.NotFound(w, r)
			return
		}
		s.api.ServeHTTP(w, r)
	})
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve runs the event loop and heartbeat and serves HTTP on ln. It
// returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.startedAt = time.Now()

	go s.eventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	hs := protocol.ParseHandshake(r.URL.Query())

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	var rd *bufio.Reader
	if rw != nil {
		rd = rw.Reader
	}
	c := newConnection(uuid.NewString(), conn, rd, s.config.WriteTimeout)

	if s.onConnect != nil {
		s.onConnect(c, hs)
	}
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	// The poller only reports bytes still in the socket, so drain what the
	// upgrade already buffered first.
	if c.reader.Buffered() > 0 && !s.drain(c) {
		return
	}
	if err := s.poller.Add(c); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("poller add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Debug().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection opened")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				s.log.Error().Err(err).Msg("poll wait")
			}
			continue
		}

		for _, c := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads every frame that is ready on c, then re-arms it.
func (s *Server) handleConn(c *Connection) {
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	alive := s.drain(c)
	c.processing.Store(false)

	if alive {
		if err := s.poller.Resume(c); err != nil {
			s.RemoveConnection(c)
		}
	}
}

// drain reads frames until the connection's read buffer is empty. It
// returns false once the connection has been removed.
func (s *Server) drain(c *Connection) bool {
	for {
		if !s.readFrame(c) {
			return false
		}
		if c.reader.Buffered() == 0 {
			return true
		}
	}
}

// readFrame reads and handles one frame. It returns false once the
// connection has been removed.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// Spurious wakeup; the heartbeat reaps dead peers.
			return true
		}
		s.RemoveConnection(c)
		return false
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		payload, err := io.ReadAll(reader)
		if err != nil {
			s.RemoveConnection(c)
			return false
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
			return false
		case ws.OpPing:
			if err := c.writeFrame(ws.OpPong, payload); err != nil {
				s.RemoveConnection(c)
				return false
			}
		}
		return true
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.log.Info().Str("conn", c.ID).Int64("length", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return false
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		s.RemoveConnection(c)
		return false
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection unregisters and closes c, then runs the disconnect
// callback. Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c)
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	s.log.Debug().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections exposes the live connection set.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, sends a going-away close frame to
// every client, and removes them so their sessions are parked.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")
	s.stopOnce.Do(func() { close(s.done) })

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}

	body := ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")
	conns := s.conns.All()
	for _, c := range conns {
		_ = c.writeFrame(ws.OpClose, body)
		s.RemoveConnection(c)
	}
	_ = s.poller.Close()

	s.log.Info().Int("closed", len(conns)).Msg("server stopped")
	return err
}
