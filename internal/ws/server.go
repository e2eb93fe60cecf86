// Package ws is the real-time transport: it authenticates the HTTP handshake,
// upgrades to WebSocket, multiplexes reads with epoll and a bounded worker
// pool, and hands each client frame to the dispatcher.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/artlounge/chat-app/internal/apperr"
	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/logging"
	"github.com/artlounge/chat-app/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr       string        // address to listen on, e.g. ":8080"
	WorkerPoolSize   int           // max concurrent read-worker goroutines
	MaxConnections   int           // hard cap on total connections
	ReadTimeout      time.Duration // timeout for WebSocket read operations
	WriteTimeout     time.Duration // timeout for WebSocket write operations
	HandshakeTimeout time.Duration // bound on the HTTP upgrade request
	MaxFrameBytes    int64         // larger client frames close the connection
	SendQueueSize    int           // outbound frames buffered per connection
	Heartbeat        HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:       ":8080",
		WorkerPoolSize:   256,
		MaxConnections:   100000,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MaxFrameBytes:    32 << 10,
		SendQueueSize:    DefaultSendQueueSize,
		Heartbeat:        DefaultHeartbeatConfig(),
	}
}

// Authenticator verifies the handshake request's credential.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Verified, string, error)
}

// Handler receives connection lifecycle events and client frames.
// *Dispatcher implements it.
type Handler interface {
	Connected(c *Connection)
	Dispatch(c *Connection, data []byte)
	Disconnected(c *Connection)
}

// Server is the WebSocket server built on gobwas/ws and epoll. Accepted
// connections are registered with epoll and ready connections are read by a
// bounded worker pool, one frame per dispatch.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	authn      Authenticator
	handler    Handler
	mux        *http.ServeMux
	httpServer *http.Server
	workerPool chan struct{} // semaphore limiting concurrent read workers
	done       chan struct{}
	stopOnce   sync.Once
	loopDone   chan struct{}
	serving    int32
	startedAt  time.Time
	log        zerolog.Logger

	checksMu sync.RWMutex
	checks   []healthCheck
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// healthCheckTimeout bounds each dependency check run by /health.
const healthCheckTimeout = 2 * time.Second

// NewServer creates a Server. api, if non-nil, serves every path other than
// /ws and /health.
func NewServer(config ServerConfig, authn Authenticator, handler Handler, api http.Handler) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = DefaultServerConfig().MaxFrameBytes
	}
	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		epoll:      ep,
		conns:      NewConnectionManager(),
		authn:      authn,
		handler:    handler,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		startedAt:  time.Now(),
		log:        logging.Component("ws"),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	if api != nil {
		s.mux.Handle("/", api)
	}

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: config.HandshakeTimeout,
	}
	return s, nil
}

// Handler returns the HTTP handler serving /ws, /health and the API.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and heartbeat and serves HTTP on ln until
// Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	atomic.StoreInt32(&s.serving, 1)
	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the handshake and upgrades it. A request
// without a valid credential is refused with 401 and never upgraded.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	v, source, err := s.authn.Authenticate(r)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(apperr.CodeOf(err)).Inc()
		s.log.Info().Str("remote", r.RemoteAddr).Str("source", source).Str("code", apperr.CodeOf(err)).Msg("handshake refused")
		writeAuthError(w, err)
		return
	}

	upgrader := ws.HTTPUpgrader{Timeout: s.config.HandshakeTimeout}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), conn, v, s.config.WriteTimeout, s.config.SendQueueSize)
	c.onEvict = s.evict
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	// Greet before the first read can be dispatched.
	s.handler.Connected(c)

	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID()).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Info().Str("conn", c.ID()).Str("user", v.ID).Str("source", source).
		Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("connection opened")
}

func writeAuthError(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="chat"`)
	w.WriteHeader(apperr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Kind    string `json:"kind"`
	}{e.Code, e.Message, string(e.Kind)})
}

// RegisterCheck adds a dependency check to /health. Any failing check turns
// the response into 503 "degraded".
func (s *Server) RegisterCheck(name string, check func(ctx context.Context) error) {
	s.checksMu.Lock()
	s.checks = append(s.checks, healthCheck{name: name, check: check})
	s.checksMu.Unlock()
}

// handleHealth reports dependency status, connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.checksMu.RLock()
	checks := append([]healthCheck(nil), s.checks...)
	s.checksMu.RUnlock()

	status, code := "ok", http.StatusOK
	results := make(map[string]string, len(checks))
	for _, hc := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.check(ctx)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("check", hc.name).Msg("health check failed")
			results[hc.name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		results[hc.name] = "ok"
	}

	resp := struct {
		Status      string            `json:"status"`
		Connections int               `json:"connections"`
		Uptime      string            `json:"uptime"`
		Checks      map[string]string `json:"checks,omitempty"`
	}{
		Status:      status,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Checks:      results,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands each ready connection to
// a worker slot.
func (s *Server) startEventLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			s.log.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames are
// answered here; data frames go to the handler.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness report; the heartbeat handles
		// dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.Length > s.config.MaxFrameBytes {
		s.log.Warn().Str("conn", c.ID()).Int64("bytes", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.writePong(data); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if len(data) == 0 {
		return
	}
	s.handler.Dispatch(c, data)
}

// RemoveConnection unregisters and closes c and tells the handler. Safe to
// call more than once and from several goroutines.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID()) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	s.handler.Disconnected(c)

	s.log.Info().Str("conn", c.ID()).Str("user", c.Identity().ID).
		Int("total", s.conns.Count()).Msg("connection closed")
}

// evict removes a connection whose writer failed or fell behind.
func (s *Server) evict(c *Connection) {
	s.log.Warn().Str("conn", c.ID()).Str("user", c.Identity().ID).Msg("evicting connection, send failed or queue full")
	s.RemoveConnection(c)
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every live connection
// (publishing their presence departures) and releases epoll.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")

	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			s.log.Warn().Err(herr).Msg("http shutdown error")
			err = herr
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if atomic.LoadInt32(&s.serving) == 1 {
			select {
			case <-s.loopDone:
			case <-ctx.Done():
			}
		}
		_ = s.epoll.Close()

		s.log.Info().Msg("server stopped, all connections closed")
	})
	return err
}
