// Package httpapi is the HTTP ingress: health, post submission, queue
// introspection, Prometheus metrics, and a websocket mention tail.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/metrics"
)

// ServerConfig holds server tuning.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RequestTimeout bounds handler execution for the async routes; the
	// synchronous enrichment route runs without it.
	RequestTimeout time.Duration
}

// DefaultServerConfig returns the production defaults.
func DefaultServerConfig(port int) ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           port,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   120 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

// Server is the HTTP ingress.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	hub      *MentionHub
	metrics  *metrics.Metrics
	config   ServerConfig
}

// NewServer assembles the router and middleware around the handlers.
func NewServer(cfg ServerConfig, handlers *Handlers, hub *MentionHub, m *metrics.Metrics) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: handlers,
		hub:      hub,
		metrics:  m,
		config:   cfg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router exposes the configured router for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// The websocket route skips the JSON and timeout middleware; a
	// streaming connection outlives any request deadline.
	s.router.HandleFunc("/ws/mentions", s.hub.ServeWS).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")
	api.HandleFunc("/api/queue/status", s.timeboxed(s.handlers.QueueStatus)).Methods("GET")
	api.HandleFunc("/api/process-post", s.timeboxed(s.handlers.ProcessPost)).Methods("POST")
	api.HandleFunc("/api/process-post-sync", s.handlers.ProcessPostSync).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// Start runs the server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("HTTP server shutting down")
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			s.metrics.RecordHTTPRequest(route, r.Method, fmt.Sprintf("%dxx", rec.status/100))
		}

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("request_id", w.Header().Get("X-Request-ID")).
			Msg("Request served")
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// timeboxed bounds a handler with the configured request timeout.
func (s *Server) timeboxed(h http.HandlerFunc) http.HandlerFunc {
	if s.config.RequestTimeout <= 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		h.ServeHTTP(w, r.WithContext(ctx))
	}
}
