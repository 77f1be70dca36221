// Package gateway owns the agent-facing WebSocket endpoint and the HTTP
// surface (health, metrics, audit dashboard). One agent session at a time
// holds the connection slot; every JSON-RPC frame it sends is handled on its
// own goroutine so a request awaiting a human approval never blocks the next
// frame.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/dispatcher"
	"github.com/haasonsaas/toolgate/internal/messenger"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/registry"
	"github.com/haasonsaas/toolgate/internal/store"
	"github.com/haasonsaas/toolgate/pkg/protocol"
)

const (
	wsReadBufferSize  = 8192
	wsWriteBufferSize = 8192
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second

	authTimeout = 10 * time.Second

	// executeWait bounds one tool execution plus its bookkeeping. Executions
	// are deliberately not cancelled by an agent disconnect: aborting a
	// half-applied backend call is worse than finishing it and storing the
	// result for later retrieval.
	executeWait = 60 * time.Second
)

// PolicySource yields the engine requests are evaluated against. The
// permissions file watcher satisfies it, swapping engines on reload.
type PolicySource interface {
	Engine() *policy.Engine
}

// Deps are the collaborators a Server routes between. All fields are
// required except Tracer-less setups, which pass a no-op tracer.
type Deps struct {
	Registry    *registry.Registry
	Policy      PolicySource
	Store       *store.Store
	Dispatcher  *dispatcher.Dispatcher
	Coordinator *approval.Coordinator
	Messenger   messenger.Adapter
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Logger      *slog.Logger
}

// Server accepts one agent WebSocket session and serves the operator HTTP
// surface. Start it once; Stop tears both listeners down and waits for
// in-flight frame handlers.
type Server struct {
	cfg         *config.Config
	token       []byte
	registry    *registry.Registry
	policy      PolicySource
	store       *store.Store
	dispatcher  *dispatcher.Dispatcher
	coordinator *approval.Coordinator
	adapter     messenger.Adapter
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger

	upgrader  websocket.Upgrader
	connected atomic.Bool

	mu     sync.Mutex
	active *wsSession

	sessions sync.WaitGroup

	wsServer   *http.Server
	wsListener net.Listener

	httpServer   *http.Server
	httpListener net.Listener

	dash *dashboard
}

// NewServer wires the gateway. The agent token is held as bytes for
// constant-time comparison and is never logged.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	dash, err := newDashboard(deps.Store, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:         cfg,
		token:       []byte(cfg.Agent.Token),
		registry:    deps.Registry,
		policy:      deps.Policy,
		store:       deps.Store,
		dispatcher:  deps.Dispatcher,
		coordinator: deps.Coordinator,
		adapter:     deps.Messenger,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      deps.Logger,
		dash:        dash,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}, nil
}

// Start brings up the agent WebSocket listener and the HTTP surface. Both
// serve in the background; errors binding either address are returned.
func (s *Server) Start(ctx context.Context) error {
	if err := s.startWS(); err != nil {
		return err
	}
	if err := s.startHTTP(); err != nil {
		s.stopWS(ctx)
		return err
	}
	return nil
}

func (s *Server) startWS() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("agent listen: %w", err)
	}

	scheme := "ws"
	if s.cfg.Gateway.TLS != nil {
		cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLS.Cert, s.cfg.Gateway.TLS.Key)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("agent tls: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		scheme = "wss"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wsServer = server
	s.wsListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("agent listener error", "error", err)
		}
	}()

	s.logger.Info("agent endpoint listening", "url", fmt.Sprintf("%s://%s/ws", scheme, listener.Addr()))
	return nil
}

// Stop shuts down both listeners, drains the active session so in-flight
// handlers can deliver their replies, and waits for the session to end, all
// bounded by the context deadline. Call Coordinator.ResolveAll first so
// handlers blocked on an approval complete instead of timing out the drain.
func (s *Server) Stop(ctx context.Context) {
	s.stopWS(ctx)
	s.stopHTTP(ctx)

	if sess := s.activeSession(); sess != nil {
		sess.shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown wait expired with handlers in flight")
	}
}

func (s *Server) stopWS(ctx context.Context) {
	if s.wsServer == nil {
		return
	}
	if err := s.wsServer.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("agent listener shutdown", "error", err)
	}
}

// WSAddr reports the bound agent listener address, for logs and tests.
func (s *Server) WSAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// HTTPAddr reports the bound HTTP surface address, for logs and tests.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

func (s *Server) activeSession() *wsSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) setActive(sess *wsSession) {
	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()
}

func (s *Server) clearActive(sess *wsSession) {
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
}

// handleWS owns one agent connection from upgrade to teardown. The
// connection slot is claimed before authentication; a second concurrent
// connection is refused with close code 4000 without disturbing the
// session that holds the slot.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !s.connected.CompareAndSwap(false, true) {
		msg := websocket.FormatCloseMessage(protocol.CloseAgentConnected, protocol.CloseReasonAgentConnected)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		s.logger.Info("refused second agent connection", "remote", conn.RemoteAddr())
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	s.metrics.SetAgentConnected(true)
	s.logger.Info("agent connected", "remote", conn.RemoteAddr())

	sess := newSession(s, conn)
	s.setActive(sess)
	sess.run()

	s.clearActive(sess)
	s.metrics.SetAgentConnected(false)
	s.connected.Store(false)
	s.logger.Info("agent session ended", "remote", conn.RemoteAddr())
}
