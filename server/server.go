package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/mjvm/vm"
)

// Server is the HTTP face of a running runtime: the debug service over
// Connect with CBOR messages, and the wire protocol over websockets.
type Server struct {
	rt       *vm.Runtime
	sessions *SessionStore
	mux      *http.ServeMux
	log      commonlog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	collector   *vm.Collector
	handlerOpts []connect.HandlerOption
}

// WithCollector routes CollectGarbage through the periodic collector so
// its counters include manual sweeps.
func WithCollector(c *vm.Collector) ServerOption {
	return func(cfg *serverConfig) { cfg.collector = c }
}

// WithHandlerOptions adds Connect handler options such as interceptors.
func WithHandlerOptions(opts ...connect.HandlerOption) ServerOption {
	return func(cfg *serverConfig) { cfg.handlerOpts = append(cfg.handlerOpts, opts...) }
}

// New creates a Server for rt.
func New(rt *vm.Runtime, opts ...ServerOption) *Server {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		rt:       rt,
		sessions: NewSessionStore(),
		mux:      http.NewServeMux(),
		log:      commonlog.GetLogger("mjvm.server"),
	}
	NewDebugService(rt, s.sessions, cfg.collector).Register(s.mux, cfg.handlerOpts...)
	s.mux.Handle(WebSocketPath, NewWebSocketHandler(s.sessions))
	return s
}

// Attach opens a debug session for ep.
func (s *Server) Attach(name string, ep *Endpoint) *Session {
	session := s.sessions.Create(name, ep)
	s.log.Info("debug session opened", "session", session.ID, "execution", ep.Debugger().Execution().ID)
	return session
}

// Detach closes a session and releases its execution.
func (s *Server) Detach(id string) bool {
	return s.sessions.Destroy(id)
}

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore { return s.sessions }

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves HTTP on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Noticef("debug service listening on http://%s/%s", addr, DebugServiceName)
	s.log.Noticef("debugger websocket on ws://%s%s", addr, WebSocketPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
