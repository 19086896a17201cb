// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/tabconductor/internal/eventbus"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

var (
	// ErrServerClosed is returned when operations are attempted on a closed server.
	ErrServerClosed = errors.New("rpc: server closed")

	// ErrNoPortAvailable is returned when no port in the configured range is available.
	ErrNoPortAvailable = errors.New("rpc: no port available in range")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the timeout.
	ErrShutdownTimeout = errors.New("rpc: shutdown timeout exceeded")
)

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// PortRange specifies the range of ports to try (inclusive).
	// Default: [9876, 9899]
	PortRange [2]int

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 5 seconds
	ShutdownTimeout time.Duration

	// AuthToken is the required token for WebSocket connections.
	// If empty, authentication is disabled.
	AuthToken string

	// Logger is the structured logger for server events.
	// If nil, a default logger is used.
	Logger *slog.Logger
}

// DefaultConfig returns a ServerConfig with sensible defaults.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		PortRange:       [2]int{9876, 9899},
		ShutdownTimeout: 5 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server is an RPC server that handles WebSocket connections.
type Server struct {
	config   *ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	port       int
	closed     bool

	// Authentication
	tokenValidator *TokenValidator

	// dispatcher and bus serve request/response and event-subscription
	// traffic respectively, once wired via SetDispatcher. A server
	// started without one (e.g. a bare health-check instance in a test)
	// answers every request with ErrMethodNotFound instead of panicking.
	dispatcher *Dispatcher
	bus        *eventbus.Bus

	// Connection tracking
	connMu      sync.RWMutex
	connections map[*websocket.Conn]struct{}

	// Shutdown coordination
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// SetDispatcher wires the method dispatcher and event bus this server
// uses to answer requests and fan out subscribed RunEvents. Call before
// Start; unset, every request fails with ErrMethodNotFound and
// subscribe/unsubscribe are no-ops.
func (s *Server) SetDispatcher(d *Dispatcher, bus *eventbus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
	s.bus = bus
}

// NewServer creates a new RPC server with the given configuration.
func NewServer(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	if config.PortRange[0] == 0 {
		config.PortRange = [2]int{9876, 9899}
	}

	s := &Server{
		config: config,
		logger: config.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins for localhost connections
				// TODO: Restrict in production
				return true
			},
		},
		connections: make(map[*websocket.Conn]struct{}),
		shutdownCh:  make(chan struct{}),
	}

	// Initialize token validator if auth is enabled
	if config.AuthToken != "" {
		s.tokenValidator = NewTokenValidator(config.AuthToken)
	}

	return s
}

// Start starts the RPC server and finds an available port in the configured range.
// It returns the port number on which the server is listening, or an error.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrServerClosed
	}

	if s.httpServer != nil {
		return s.port, nil // Already started
	}

	// Find an available port
	port, listener, err := s.findAvailablePort()
	if err != nil {
		return 0, err
	}

	s.listener = listener
	s.port = port

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// WriteTimeout intentionally omitted to support long-lived WebSocket connections
	}

	// Start HTTP server in background
	go func() {
		s.logger.Info("rpc server starting",
			"port", port,
			"portRange", s.config.PortRange)

		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server error", "error", err)
		}
	}()

	// Output port for a supervising process (CLI, extension host) to discover
	fmt.Printf("TABCONDUCTOR_BACKEND_PORT=%d\n", port)

	s.logger.Info("rpc server started", "port", port)
	return port, nil
}

// findAvailablePort attempts to find an available port in the configured range.
func (s *Server) findAvailablePort() (int, net.Listener, error) {
	startPort := s.config.PortRange[0]
	endPort := s.config.PortRange[1]

	for port := startPort; port <= endPort; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return port, listener, nil
		}
		s.logger.Debug("port unavailable", "port", port, "error", err)
	}

	return 0, nil, ErrNoPortAvailable
}

// Port returns the port the server is listening on, or 0 if not started.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	status := "ready"
	httpStatus := http.StatusOK

	if closed {
		status = "error"
		httpStatus = http.StatusServiceUnavailable
	}

	response := map[string]string{
		"status":  status,
		"version": "0.1.0", // TODO: Read from build metadata
		"message": "Conductor RPC server",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(response)
}

// handleWebSocket handles WebSocket upgrade requests.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	// Check authentication token if configured
	if s.tokenValidator != nil {
		token := r.Header.Get("X-Auth-Token")
		if err := s.tokenValidator.Validate(token, r.RemoteAddr); err != nil {
			// Log auth failure without leaking the token
			if errors.Is(err, ErrRateLimitExceeded) {
				s.logger.Warn("authentication rate limit exceeded",
					"remote", r.RemoteAddr,
					"error", err)
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			} else {
				s.logger.Warn("authentication failed",
					"remote", r.RemoteAddr,
					"hasToken", token != "",
					"error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
			}
			return
		}
	}

	// Upgrade to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.logger.Info("websocket connection established", "remote", r.RemoteAddr)

	// Track connection
	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()

	// Handle connection in background
	go s.handleConnection(conn)
}

// connSubs tracks one connection's live eventbus subscriptions, keyed by
// runID ("" for a wildcard subscribe-to-everything).
type connSubs struct {
	mu   sync.Mutex
	subs map[string]*eventbus.Subscription
}

func (c *connSubs) add(runID string, sub *eventbus.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]*eventbus.Subscription)
	}
	if existing, ok := c.subs[runID]; ok {
		existing.Unsubscribe()
	}
	c.subs[runID] = sub
}

func (c *connSubs) remove(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[runID]; ok {
		sub.Unsubscribe()
		delete(c.subs, runID)
	}
}

func (c *connSubs) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
}

// handleConnection manages a WebSocket connection lifecycle: frame
// parsing, method dispatch, and per-connection event subscriptions.
func (s *Server) handleConnection(conn *websocket.Conn) {
	var writeMu sync.Mutex
	writeJSON := func(m *Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(m); err != nil {
			s.logger.Debug("write failed", "error", err)
		}
	}

	subs := &connSubs{}
	defer func() {
		subs.closeAll()

		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()

		conn.Close()
		s.logger.Info("websocket connection closed", "remote", conn.RemoteAddr())
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	readErr := make(chan error, 1)
	frames := make(chan []byte)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			frames <- message
		}
	}()

	for {
		select {
		case <-s.shutdownCh:
			return
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		case raw := <-frames:
			s.handleFrame(conn, raw, subs, writeJSON)
		}
	}
}

// handleFrame parses one client frame and dispatches it, writing back a
// response, subscribeAck, or error frame. subscribe/unsubscribe are
// handled here rather than by Dispatcher since they need the
// connection's own subscription table and write loop to fan events into.
func (s *Server) handleFrame(conn *websocket.Conn, raw []byte, subs *connSubs, writeJSON func(*Message)) {
	msg, err := ParseMessage(raw)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	if msg.Type != MessageTypeRequest {
		s.logger.Debug("ignoring non-request frame from client", "type", msg.Type)
		return
	}

	switch msg.Method {
	case "subscribe":
		var p struct {
			RunID string `json:"runId"`
		}
		_ = msg.UnmarshalParams(&p)
		if s.bus != nil {
			sub := s.bus.Subscribe(p.RunID)
			subs.add(p.RunID, sub)
			go s.pumpEvents(conn, sub, writeJSON)
		}
		writeJSON(NewSubscribeAck(p.RunID))
	case "unsubscribe":
		var p struct {
			RunID string `json:"runId"`
		}
		_ = msg.UnmarshalParams(&p)
		subs.remove(p.RunID)
		writeJSON(NewSubscribeAck(p.RunID))
	default:
		s.dispatchRequest(conn, msg, writeJSON)
	}
}

// dispatchRequest runs msg through the Dispatcher and writes the result
// or error as a response frame.
func (s *Server) dispatchRequest(_ *websocket.Conn, msg *Message, writeJSON func(*Message)) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.dispatcher == nil {
		writeJSON(NewErrorResponse(msg.RequestID, "METHOD_NOT_FOUND", ErrMethodNotFound.Error(), nil))
		return
	}

	result, err := s.dispatcher.Dispatch(ctx, msg.Method, msg.Params)
	if err != nil {
		writeJSON(errorResponseFor(msg.RequestID, err))
		return
	}
	resp, err := NewResponse(msg.RequestID, result)
	if err != nil {
		writeJSON(NewErrorResponse(msg.RequestID, string(rrerror.CodeInternal), err.Error(), nil))
		return
	}
	writeJSON(resp)
}

// pumpEvents forwards sub's events to conn as event frames until sub is
// unsubscribed (its channel closes) or the connection's writer errors.
func (s *Server) pumpEvents(_ *websocket.Conn, sub *eventbus.Subscription, writeJSON func(*Message)) {
	for e := range sub.C {
		writeJSON(NewEventMessage(e))
	}
}

// errorResponseFor translates a Dispatch error into a response frame,
// preferring the tagged rrerror.Code over a generic INTERNAL_ERROR.
func errorResponseFor(requestID string, err error) *Message {
	return NewErrorResponse(requestID, string(rrerror.CodeOf(err)), err.Error(), nil)
}

// Shutdown gracefully shuts down the server, closing all connections.
// It waits up to the configured ShutdownTimeout for connections to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		s.logger.Info("rpc server shutting down")

		// Create shutdown context with timeout
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		// Close all WebSocket connections
		s.connMu.Lock()
		for conn := range s.connections {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}
		s.connMu.Unlock()

		// Shutdown HTTP server
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					shutdownErr = ErrShutdownTimeout
				} else {
					shutdownErr = err
				}
			}
		}

		// Clean up token validator
		if s.tokenValidator != nil {
			s.tokenValidator.Close()
		}

		s.logger.Info("rpc server shutdown complete")
	})

	return shutdownErr
}

// Close immediately closes the server without waiting for connections to close.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
