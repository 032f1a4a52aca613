// Package gateway is the chat-work HTTP front: the REST API, the chat
// WebSocket, and the platform webhook, all on one mux.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/younfor/chat-work/internal/channel"
	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/dispatch"
	"github.com/younfor/chat-work/internal/executor"
	"github.com/younfor/chat-work/internal/hooks"
	"github.com/younfor/chat-work/internal/logging"
	"github.com/younfor/chat-work/internal/sandbox"
)

// exchangeTimeout is the maximum duration for one REST chat exchange.
// Engine calls can legitimately run for minutes.
const exchangeTimeout = 5 * time.Minute

// Server hosts the HTTP and WebSocket surfaces.
type Server struct {
	cfg        config.Config
	log        *logging.Logger
	dispatcher *dispatch.Dispatcher
	policy     *sandbox.Policy
	exec       *executor.Executor

	// Optional collaborators wired through ServerOptions.
	webhook  http.Handler
	channels *channel.Registry
	hooks    *hooks.Manager

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithWebhook mounts the platform webhook handler at /webhook/feishu.
func WithWebhook(h http.Handler) ServerOption {
	return func(s *Server) {
		s.webhook = h
	}
}

// WithChannels sets the channel registry for status reporting.
func WithChannels(reg *channel.Registry) ServerOption {
	return func(s *Server) {
		s.channels = reg
	}
}

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// New creates a gateway server around a dispatcher.
func New(cfg config.Config, d *dispatch.Dispatcher, policy *sandbox.Policy, exec *executor.Executor, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:        cfg,
		log:        log.Sub("gateway"),
		dispatcher: d,
		policy:     policy,
		exec:       exec,
		conns:      make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Server.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkWebSocketOrigin validates WebSocket Origin headers. With no
// configured origins only same-origin or non-browser clients connect;
// otherwise the Origin must match the list.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Start begins listening. It blocks until the context is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	host := s.cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.Port))

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	handler := withMiddleware(mux, s.log, s.cfg.Server.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
		// No write timeout: chat exchanges hold the response open
		// while the engine thinks.
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startedAt = time.Now()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("authRequired", s.cfg.Server.AuthToken != "").
		Bool("webhook", s.webhook != nil).
		Msg("gateway server ready")

	if s.hooks != nil {
		s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{
			"addr": ln.Addr().String(),
		})
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		if s.hooks != nil {
			s.hooks.Emit(context.Background(), hooks.EventGatewayStop, nil)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.closeConnections()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// trackConn registers a live chat socket so shutdown can close it;
// Shutdown alone never reaches hijacked connections.
func (s *Server) trackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) closeConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	deadline := time.Now().Add(time.Second)
	for conn := range s.conns {
		// WriteControl is safe alongside the reply writer goroutine.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
}
