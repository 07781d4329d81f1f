// Package http exposes the advisory engine over a JSON API: saga starts,
// status reads, cancellation, the per-saga transition feeds, compliance
// and harvesting lookups, and the audit trail.
package http

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/advisor/internal/config"
)

// Server is the advisor's HTTP front end.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	metrics  *MetricsRegistry
	cfg      config.ServerConfig
}

// NewServer wires routes and middleware around the given handlers.
func NewServer(cfg config.ServerConfig, handlers *Handlers, metrics *MetricsRegistry) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: handlers,
		metrics:  metrics,
		cfg:      cfg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays unset: the transition feeds are long-lived
		// and would be cut off by a server-wide write deadline.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	// Streaming endpoints sit outside the JSON subrouter so they escape
	// the per-request timeout and content-type middleware.
	s.router.HandleFunc("/sagas/{id}/stream", s.handlers.StreamSSE).Methods("GET")
	s.router.HandleFunc("/sagas/{id}/ws", s.handlers.StreamWS).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")

	api.HandleFunc("/sagas/rebalance", s.handlers.StartRebalance).Methods("POST")
	api.HandleFunc("/sagas/tax-loss-harvest", s.handlers.StartHarvest).Methods("POST")
	api.HandleFunc("/sagas", s.handlers.ListSagas).Methods("GET")
	api.HandleFunc("/sagas/{id}/status", s.handlers.SagaStatus).Methods("GET")
	api.HandleFunc("/sagas/{id}/cancel", s.handlers.CancelSaga).Methods("POST")

	api.HandleFunc("/compliance/check", s.handlers.ComplianceCheck).Methods("GET")
	api.HandleFunc("/tax-loss-harvest/opportunities", s.handlers.Opportunities).Methods("GET")

	api.HandleFunc("/audit/transactions/{sagaId}", s.handlers.AuditTransactions).Methods("GET")
	api.HandleFunc("/audit/report", s.handlers.AuditReport).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// Router exposes the configured mux, used by tests and by callers that
// mount the API under another server.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start listens and serves until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server starting")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// requestIDMiddleware tags each request with a short unique ID.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs every request and records its duration.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		elapsed := time.Since(start)
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.observeRequest(route, r.Method, wrapper.statusCode, elapsed)

		log.Debug().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// timeoutMiddleware bounds JSON API requests.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// responseWrapper captures the status code for logging and metrics while
// passing the streaming interfaces through to the underlying writer.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return rw.ResponseWriter.(http.Hijacker).Hijack()
}
