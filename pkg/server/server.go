// Package server exposes an api.Backend over HTTP. Every procedure is a
// POST to /rpc/{procedure} with a JSON body, authenticated by an HS256
// bearer token whose subject is the caller's user id.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/logging"
)

// MaxBodySize bounds a request body. Workflows may carry inline images.
const MaxBodySize = 64 << 20

// Server serves the remote store
type Server struct {
	backend    api.Backend
	tokens     *Tokens
	logger     hclog.Logger
	router     *mux.Router
	procedures map[string]procedure
	server     *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(l hclog.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNull(l) }
}

// New creates a server for backend
func New(backend api.Backend, tokens *Tokens, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		tokens:  tokens,
		logger:  hclog.NewNullLogger(),
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.procedures = s.procedureTable()
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	rpc := s.router.PathPrefix("/rpc").Subrouter()
	rpc.Use(s.tokens.Authenticate)
	rpc.HandleFunc("/{procedure}", s.handleRPC).Methods(http.MethodPost)

	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["procedure"]
	proc, ok := s.procedures[name]
	if !ok {
		writeError(w, s.logger, fmt.Errorf("procedure %q: %w", name, api.ErrNotFound))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		writeError(w, s.logger, api.Invalid("cannot read request body: %v", err))
		return
	}

	resp, err := proc(r.Context(), body)
	if err != nil {
		writeError(w, s.logger.With("procedure", name), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusOf maps the error taxonomy onto HTTP
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound, api.CodeNotFound
	case errors.Is(err, api.ErrValidation):
		return http.StatusBadRequest, api.CodeValidation
	case errors.Is(err, api.ErrAuthRequired):
		return http.StatusUnauthorized, api.CodeUnauthorized
	default:
		return http.StatusInternalServerError, api.CodeInternal
	}
}

func writeError(w http.ResponseWriter, logger hclog.Logger, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.OrNull(logger).Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, api.ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
