// Package transport serves relay connections over WebSocket. Each connection
// gets a read goroutine, a processing goroutine that feeds the router in
// arrival order, and a write goroutine draining a bounded send buffer.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
	"github.com/sarathsp06/relay/internal/presence"
	"github.com/sarathsp06/relay/internal/registry"
)

const (
	maxFrameBytes = 1 << 20
	sendBuffer    = 64
	inboundBuffer = 64
	writeWait     = 10 * time.Second
)

// Dispatcher handles one inbound frame for a connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, raw []byte)
}

// Server upgrades HTTP requests to relay connections.
type Server struct {
	reg        *registry.Registry
	tracker    *presence.Tracker
	dispatcher Dispatcher
	upgrader   websocket.Upgrader

	metrics *observability.RelayMetrics
	logger  *slog.Logger
	onFatal func(error)

	closing atomic.Bool
	active  sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records connection counts.
func WithMetrics(m *observability.RelayMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithFatalHandler is called when a connection goroutine panics. The process
// is expected to shut down.
func WithFatalHandler(fn func(error)) Option {
	return func(s *Server) { s.onFatal = fn }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer creates a Server.
func NewServer(reg *registry.Registry, tracker *presence.Tracker, dispatcher Dispatcher, opts ...Option) *Server {
	s := &Server{
		reg:        reg,
		tracker:    tracker,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		logger: logger.NewLogger("transport"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.onFatal == nil {
		s.onFatal = func(err error) { s.logger.Error("Fatal connection error", "error", err) }
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.active.Add(1)
	defer s.active.Done()

	link := newLink(conn, sendBuffer)
	connID := s.reg.Register(link)
	s.metrics.ConnectionOpened(r.Context())
	s.logger.Info("Connection opened", "connection_id", connID, "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go link.writeLoop()

	inbound := make(chan []byte, inboundBuffer)
	processed := make(chan struct{})
	go s.process(ctx, connID, inbound, processed)

	s.readLoop(connID, conn, inbound)

	close(inbound)
	<-processed
	s.tracker.Disconnect(connID)
	_ = link.Close()
	s.metrics.ConnectionClosed(context.Background())
	s.logger.Info("Connection closed", "connection_id", connID)
}

func (s *Server) readLoop(connID string, conn *websocket.Conn, inbound chan<- []byte) {
	defer s.recoverFatal(connID)

	conn.SetReadLimit(maxFrameBytes)
	conn.SetPongHandler(func(string) error {
		s.reg.MarkAlive(connID)
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Connection read failed", "connection_id", connID, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		inbound <- data
	}
}

func (s *Server) process(ctx context.Context, connID string, inbound <-chan []byte, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.fatal(connID, r)
			// Keep draining so the read loop never blocks on a dead consumer.
			for range inbound {
			}
		}
	}()

	for raw := range inbound {
		s.dispatcher.Dispatch(ctx, connID, raw)
	}
}

// recoverFatal must be deferred directly.
func (s *Server) recoverFatal(connID string) {
	if r := recover(); r != nil {
		s.fatal(connID, r)
	}
}

func (s *Server) fatal(connID string, r any) {
	s.logger.Error("Panic in connection handler",
		"connection_id", connID,
		"panic", r,
		"stack", string(debug.Stack()),
	)
	s.onFatal(fmt.Errorf("panic in connection %s: %v", connID, r))
}

// Shutdown stops accepting connections, closes every open one and waits for
// their handlers to finish unregistering.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	for _, info := range s.reg.Snapshot() {
		_ = info.Link.Close()
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
