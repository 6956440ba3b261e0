package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pulsewatch/scrape-orchestrator/internal/config"
	"github.com/pulsewatch/scrape-orchestrator/internal/dispatch"
	"github.com/pulsewatch/scrape-orchestrator/internal/engine"
	"github.com/pulsewatch/scrape-orchestrator/internal/events/sinks"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
	"github.com/pulsewatch/scrape-orchestrator/internal/registry"
	"github.com/pulsewatch/scrape-orchestrator/internal/session"
)

const requestTimeout = 60 * time.Second

// Deps bundles everything the HTTP layer serves. All fields are required
// except Stream and Metrics, which disable their endpoints when nil.
type Deps struct {
	Schedules orchestrator.ScheduleStore
	Targets   orchestrator.TargetStore
	Sessions  orchestrator.SessionStore
	Items     orchestrator.ItemStore
	Blobs     orchestrator.BlobStore
	Engine    *engine.Engine
	Queue     *dispatch.Dispatcher
	Workers   *registry.Registry
	Manager   *session.Manager
	Stream    *sinks.StreamSink
	Metrics   *prometheus.Registry
	Clock     orchestrator.Clock
	IDGen     orchestrator.IDGenerator
}

// Server wires HTTP handlers to the engine, dispatcher, and stores.
type Server struct {
	router chi.Router
	cfg    config.Config
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		// Streaming endpoints sit outside the timeout handler: SSE and
		// the agent long-poll hold their connections open on purpose.
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Route("/schedules", func(r chi.Router) {
				r.Post("/", s.createSchedule)
				r.Get("/", s.listSchedules)
				r.Route("/{schedule_id}", func(r chi.Router) {
					r.Get("/", s.getSchedule)
					r.Put("/", s.updateSchedule)
					r.Delete("/", s.deleteSchedule)
					r.Post("/trigger", s.triggerSchedule)
				})
			})
			r.Route("/targets", func(r chi.Router) {
				r.Post("/", s.createTarget)
				r.Get("/", s.listTargets)
				r.Route("/{target_id}", func(r chi.Router) {
					r.Get("/", s.getTarget)
					r.Put("/", s.updateTarget)
					r.Delete("/", s.deleteTarget)
					r.Post("/trigger", s.triggerTarget)
				})
			})
			r.Route("/queue", func(r chi.Router) {
				r.Get("/", s.listCommands)
				r.Post("/failed/clear", s.clearFailed)
				r.Route("/{command_id}", func(r chi.Router) {
					r.Get("/", s.getCommand)
					r.Post("/cancel", s.cancelCommand)
					r.Post("/retry", s.retryCommand)
				})
			})
			r.Get("/workers", s.listWorkers)
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.listSessions)
				r.Route("/{session_id}", func(r chi.Router) {
					r.Get("/", s.getSession)
					r.Get("/logs", s.listSessionLogs)
					r.Get("/items", s.listSessionItems)
					r.Get("/screenshots/{item_id}", s.getScreenshot)
				})
			})
		})
		r.Group(func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Get("/events", s.streamEvents)
		})
		r.Route("/agent", func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.AgentKey))
			}
			r.Post("/register", s.registerWorker)
			r.Route("/{worker_id}", func(r chi.Router) {
				r.Post("/heartbeat", s.heartbeatWorker)
				r.Post("/disconnect", s.disconnectWorker)
				r.Get("/commands", s.pollCommands)
			})
			r.Route("/commands/{command_id}", func(r chi.Router) {
				r.Post("/start", s.startCommand)
				r.Post("/logs", s.appendCommandLogs)
				r.Post("/items", s.ingestCommandItems)
				r.Post("/complete", s.completeCommand)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The schedule store is the one dependency that may sit on a database.
	if _, err := s.deps.Schedules.ListSchedules(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "schedule store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
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

// writeStoreError maps domain errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrTargetBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrSessionTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
