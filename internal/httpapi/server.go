// Package httpapi serves the broker's HTTP admin surface: metrics, health,
// lifecycle status and persisted reports.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/umbra-broker/internal/broker"
	"github.com/ChuLiYu/umbra-broker/internal/reportstore"
)

// Coordinator is the view of the broker the admin surface needs.
type Coordinator interface {
	Status() broker.Status
	EventResults() map[string]any
}

// Server is the HTTP admin server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	coord     Coordinator
	store     *reportstore.Store  // optional; nil when persistence is disabled
	gatherer  prometheus.Gatherer // optional; defaults to prometheus.DefaultGatherer
	startTime time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithReportStore enables GET /reports/{id}.
func WithReportStore(st *reportstore.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithGatherer sets the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a Server with all routes registered.
func New(coord Coordinator, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "httpapi"),
		coord:     coord,
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/reports/{id}", s.handleGetReport)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.coord.EventResults())
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotFound, "report persistence is disabled")
		return
	}

	report, err := s.store.Load(chi.URLParam(r, "id"))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, report)
	case errors.Is(err, reportstore.ErrReportNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reportstore.ErrInvalidID):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("failed to load report", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs each request at debug level.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		})
	}
}
