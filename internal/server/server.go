// Package server exposes the flow engine over HTTP: streaming execution as
// Server-Sent Events plus store and signature debugging endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodelab/flowd/internal/flow/analyzer"
	"github.com/nodelab/flowd/internal/flow/engine"
	"github.com/nodelab/flowd/internal/flow/project"
	"github.com/nodelab/flowd/internal/flow/store"
	"github.com/nodelab/flowd/internal/flow/worker"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. "127.0.0.1:8722"
}

// Server serves the flow execution API for one projects root.
type Server struct {
	config   Config
	executor *engine.Executor
	resolver *project.Resolver
	store    *store.Store
	analyzer *analyzer.Analyzer
	workers  *worker.Manager

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	log     zerolog.Logger
}

// New wires a Server around an executor and its collaborators. workers may
// be nil when the executor evaluates in-process (tests).
func New(cfg Config, executor *engine.Executor, workers *worker.Manager, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		executor: executor,
		resolver: executor.Resolver,
		store:    executor.Store,
		analyzer: analyzer.New(),
		workers:  workers,
		baseCtx:  ctx,
		cancel:   cancel,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/projects/{id}/execute/stream", s.handleExecuteStream)
	mux.HandleFunc("GET /api/projects/{id}/store", s.handleStoreInfo)
	mux.HandleFunc("DELETE /api/projects/{id}/store", s.handleStoreClear)
	mux.HandleFunc("GET /api/projects/{id}/nodes/{node}/signature", s.handleNodeSignature)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.Info().Str("signal", sig.String()).Msg("shutting down")
		s.Shutdown()
	}()

	s.log.Info().Str("addr", s.config.Addr).Msg("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin mutating requests. Browsers set Origin on
// cross-origin requests; CLI and same-host callers omit it or use localhost.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodDelete {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops the listener and reclaims every project worker.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	if s.workers != nil {
		s.workers.StopAll()
	}
	s.cancel()
}
