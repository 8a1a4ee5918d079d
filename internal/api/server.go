// Package api exposes the HTTP interface for the monitoring engine.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
	"github.com/scrapemaster/monitor-engine/internal/telemetry"
)

// Repository is the store surface the API reads and writes.
type Repository interface {
	PutTarget(ctx context.Context, target monitor.Target) error
	SetActive(ctx context.Context, targetID string, active bool) error
	Target(ctx context.Context, targetID string) (monitor.Target, error)
	ListTargets(ctx context.Context) ([]monitor.Target, error)
	LatestSnapshot(ctx context.Context, targetID string) (monitor.Snapshot, error)
	ListChangeEvents(ctx context.Context, targetID string, limit, offset int) ([]monitor.ChangeEvent, error)
}

// ProxyPool reports the current proxy health records.
type ProxyPool interface {
	Records() []monitor.ProxyRecord
}

// Server wires HTTP handlers to the store and proxy pool.
type Server struct {
	router  chi.Router
	handler *Handler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(repo Repository, proxies ProxyPool, ids monitor.IDGenerator, clock monitor.Clock, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := NewHandler(repo, proxies, ids, clock, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", h.ListTargets)
			r.Post("/", h.RegisterTarget)
			r.Route("/{target_id}", func(r chi.Router) {
				r.Get("/", h.GetTarget)
				r.Post("/active", h.SetTargetActive)
				r.Get("/snapshots/latest", h.LatestSnapshot)
				r.Get("/events", h.ListChangeEvents)
			})
		})
		r.Get("/proxies", h.ListProxies)
	})

	return &Server{router: r, handler: h}
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
