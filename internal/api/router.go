// Package api provides the HTTP API layer for the conflict engine.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"fitsync/internal/config"
	"fitsync/internal/engine"
	"fitsync/internal/logging"
	"fitsync/internal/websocket"
)

// Router is the HTTP surface: the conflict REST API plus the WebSocket
// update stream.
type Router struct {
	config  *config.Config
	mux     *chi.Mux
	service *engine.Service
	hub     *websocket.Hub
	logger  logging.Logger
	version string
}

// NewRouter creates the API router. hub may be nil to disable the
// WebSocket endpoint.
func NewRouter(cfg *config.Config, service *engine.Service, hub *websocket.Hub, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	r := &Router{
		config:  cfg,
		mux:     chi.NewRouter(),
		service: service,
		hub:     hub,
		logger:  logger.WithComponent("api"),
		version: "1.0.0",
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(r.timeoutMiddleware())
	r.mux.Use(r.traceMiddleware())

	// Snapshots are small; anything bigger than 1MB is a client bug.
	r.mux.Use(chimiddleware.RequestSize(1 * 1024 * 1024))
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
}

// timeoutMiddleware applies a request timeout to everything except the
// WebSocket endpoint, which is long-lived.
func (r *Router) timeoutMiddleware() func(http.Handler) http.Handler {
	timeout := 30 * time.Second
	if r.config.Server.WriteTimeout > 0 {
		timeout = time.Duration(r.config.Server.WriteTimeout) * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasPrefix(req.URL.Path, "/ws") {
				next.ServeHTTP(w, req)
				return
			}
			chimiddleware.Timeout(timeout)(next).ServeHTTP(w, req)
		})
	}
}

// traceMiddleware attaches a trace ID to the request context and logs the
// request once it completes.
func (r *Router) traceMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			traceID := req.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.GenerateTraceID()
			}
			ctx := logging.WithTraceID(req.Context(), traceID)
			w.Header().Set("X-Trace-ID", traceID)

			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req.WithContext(ctx))

			r.logger.InfoContext(ctx, "http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

func (r *Router) setupRoutes() {
	r.mux.Get("/health", r.handleHealth)

	r.mux.Route("/api/v1", func(api chi.Router) {
		api.Route("/conflicts", func(conflicts chi.Router) {
			conflicts.Get("/", r.handleListConflicts)
			conflicts.Post("/detect", r.handleDetect)

			conflicts.Route("/{id}", func(one chi.Router) {
				one.Get("/", r.handleGetConflict)
				one.Get("/events", r.handleGetEvents)
				one.Post("/attempt", r.handleAttempt)
				one.Post("/resolve", r.handleResolve)
				one.Post("/recommendation", r.handleRecommendation)
				one.Post("/escalate", r.handleEscalate)
			})
		})
	})

	if r.hub != nil {
		r.mux.Get("/ws", r.handleWebSocket)
	}
}
