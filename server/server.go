// Package server accepts client WebSocket connections, authenticates them and
// bridges each one to its own live session.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	gws "github.com/gobwas/ws"
	"golang.org/x/time/rate"

	"github.com/localrivet/livegate/auth"
	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/transport/ws"
)

// DefaultPath is where clients open their WebSocket.
const DefaultPath = "/ws"

// SessionFactory creates the session for an authenticated connection. ctx
// carries the auth.Principal.
type SessionFactory func(ctx context.Context) (Session, error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPath sets the WebSocket path served by Handler.
func WithPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.path = path
		}
	}
}

// WithRateLimit limits inbound frames per connection to r per second with
// the given burst. A non-positive r disables limiting.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Server) {
		s.rate = rate.Limit(r)
		s.burst = burst
	}
}

// WithHub shares a hub between servers.
func WithHub(h *Hub) Option {
	return func(s *Server) {
		if h != nil {
			s.hub = h
		}
	}
}

// Server is the client-facing WebSocket endpoint.
type Server struct {
	authn   *auth.Authenticator
	factory SessionFactory
	hub     *Hub
	logger  *slog.Logger
	path    string
	rate    rate.Limit
	burst   int

	wg sync.WaitGroup
}

// New creates a server. Every connection is checked by authn before a
// session is created with factory.
func New(authn *auth.Authenticator, factory SessionFactory, opts ...Option) *Server {
	s := &Server{
		authn:   authn,
		factory: factory,
		hub:     NewHub(),
		logger:  slog.Default(),
		path:    DefaultPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the server's live bridge set.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns a mux serving the WebSocket path and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "ok sessions=%d\n", s.hub.Len())
	})
	return mux
}

// ServeHTTP upgrades the request and runs a bridge for it until the client
// goes away. Unauthenticated clients get one 401 error frame and are closed
// without a session being created.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Credentials are checked before the upgrade.
	ctx, authErr := s.authn.Authenticate(r.Context(), r)

	conn, err := ws.Upgrade(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	logger := s.logger.With("remote", conn.RemoteAddr().String())

	if authErr != nil {
		logger.Warn("connection rejected", "error", authErr)
		_ = conn.WriteJSON(protocol.ErrorFrame(protocol.FrameCodeUnauthorized, s.unauthorizedMessage()))
		_ = conn.CloseWithStatus(gws.StatusPolicyViolation, "unauthorized")
		return
	}

	sess, err := s.factory(ctx)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		_ = conn.WriteJSON(protocol.ErrorFrame(protocol.FrameCodeInternal, "Failed to create session."))
		_ = conn.CloseWithStatus(gws.StatusInternalServerError, "session unavailable")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	b := NewBridge(conn, sess, logger, s.newLimiter())
	if !s.hub.Add(b) {
		logger.Info("server shutting down, refusing connection")
		_ = conn.CloseWithStatus(gws.StatusGoingAway, "shutting down")
		sess.Disconnect()
		return
	}
	defer s.hub.Remove(b)

	logger.Info("client connected", "session", sess.ID())
	b.Run(context.WithoutCancel(ctx))
}

// Shutdown closes every live bridge and waits for them to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.hub.CloseAll()
	s.logger.Info("closing client connections", "count", n)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.rate <= 0 {
		return nil
	}
	burst := s.burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(s.rate, burst)
}

func (s *Server) unauthorizedMessage() string {
	header := s.authn.Header
	if header == "" {
		header = auth.DefaultCredentialHeader
	}
	return fmt.Sprintf("Missing or invalid API key in %q header.", header)
}
