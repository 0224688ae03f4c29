// Package statusapi exposes the engine's status, a manual sync trigger,
// connectivity signals from the host app and Prometheus metrics over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/possync/internal/cache"
	"github.com/roach88/possync/internal/engine"
)

// Syncer is the engine surface the API needs.
type Syncer interface {
	Sync(ctx context.Context) (engine.Result, error)
	Status(ctx context.Context) (engine.Status, error)
	SetOnline(online bool) bool
	Foreground() bool
}

// Generations reports cache key generations.
type Generations interface {
	Generations() map[cache.Key]uint64
}

// Server serves the status API.
type Server struct {
	syncer   Syncer
	gatherer prometheus.Gatherer
	cache    Generations
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithCache serves cache generations on /cache so clients can tell when
// to refetch.
func WithCache(g Generations) Option {
	return func(s *Server) { s.cache = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server.
func New(syncer Syncer, opts ...Option) *Server {
	s := &Server{syncer: syncer, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "statusapi")
	return s
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/status", s.status)
	r.Post("/sync", s.sync)
	r.Post("/connectivity", s.connectivity)
	r.Post("/foreground", s.foreground)
	if s.cache != nil {
		r.Get("/cache", s.generations)
	}
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.syncer.Status(r.Context())
	if err != nil {
		s.logger.Error("read status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "Failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// sync runs a cycle and returns its result. A cycle already running
// yields 409 and nothing is queued.
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.Sync(r.Context())
	if errors.Is(err, engine.ErrBusy) {
		writeError(w, http.StatusConflict, "sync_in_progress", "A sync cycle is already running")
		return
	}
	if err != nil {
		s.logger.Error("manual sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ConnectivityRequest is the body of POST /connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// SignalResponse reports whether a signal was queued for the engine.
type SignalResponse struct {
	Queued bool `json:"queued"`
}

func (s *Server) connectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "online is required")
		return
	}
	s.logger.Debug("connectivity changed", "online", *req.Online)
	writeJSON(w, http.StatusAccepted, SignalResponse{Queued: s.syncer.SetOnline(*req.Online)})
}

func (s *Server) foreground(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, SignalResponse{Queued: s.syncer.Foreground()})
}

func (s *Server) generations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Generations())
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
