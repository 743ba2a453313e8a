// Package httpapi exposes the chat orchestrator over HTTP and WebSocket.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chatcore/internal/chat"
	"chatcore/internal/metrics"
	rtsup "chatcore/internal/runtime/supervisor"
	"chatcore/pkg/logx"
)

// Identity headers set by the authenticating proxy in front of the service.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
	// OriginPatterns are the extra WebSocket origins accepted besides the
	// request host.
	OriginPatterns []string
	// SendBuffer is the per-connection outbound frame queue.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

type Server struct {
	cfg     Config
	chat    *chat.Orchestrator
	metrics *metrics.Metrics
	log     logx.Logger
	handler http.Handler

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	sup *rtsup.Supervisor
	// ws tracks hijacked WebSocket handlers, which Shutdown does not wait for.
	ws sync.WaitGroup
}

func New(cfg Config, o *chat.Orchestrator, m *metrics.Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		chat:    o,
		metrics: m,
		log:     log.With(logx.String("comp", "http")),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the full router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.observe, middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	api := s.admit(chat.ActionAPI)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.With(s.admit(chat.ActionMessage), requireUser).Post("/messages", s.postMessage)
			r.With(api).Get("/messages/{messageID}", s.getMessage)
			r.With(s.admit(chat.ActionTyping), requireUser).Post("/typing", s.postTyping)
			r.With(s.admit(chat.ActionUpload), requireUser).Post("/files/{fileID}/progress", s.postFileProgress)
			r.With(api, requireUser).Get("/unread", s.getUnread)
			r.With(api, requireUser).Post("/read", s.postRead)
			r.With(s.admit(chat.ActionPresence)).Get("/ws", s.serveWS)
		})
		r.With(api).Get("/users/{userID}", s.getUser)
		r.With(api).Put("/users/{userID}", s.putUser)
		r.With(api).Get("/files/{fileID}", s.getFile)
		r.With(api).Get("/stats", s.getStats)
	})
	return r
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		// WebSocket writes carry their own deadlines.
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return sup.Context() },
	}
	sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
			return err
		}
		return nil
	})
	s.srv, s.ln, s.sup = srv, ln, sup
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully, bounded by ctx and the configured
// shutdown timeout. Open WebSocket connections are cancelled once plain
// requests have drained.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	done := make(chan struct{})
	go func() {
		s.ws.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.log.Info("http stopped")
	return err
}
