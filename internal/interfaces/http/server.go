package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/polyrisk/internal/config"
	"github.com/sawpanic/polyrisk/internal/interfaces/http/handlers"
)

// Server represents the ingest and query HTTP server
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	config   config.HTTPConfig
}

// NewServer creates a new HTTP server instance
func NewServer(cfg config.HTTPConfig, deps handlers.Deps) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: handlers.NewHandlers(deps),
		config:   cfg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// Prometheus exposition keeps its own content type.
	s.router.HandleFunc("/metrics", s.handlers.Metrics).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	api.HandleFunc("/scheduler", s.handlers.SchedulerStatus).Methods(http.MethodGet)

	api.HandleFunc("/ticks", s.handlers.Ticks).Methods(http.MethodPost)
	api.HandleFunc("/quotes", s.handlers.Quotes).Methods(http.MethodPost)

	api.HandleFunc("/markets", s.handlers.Markets).Methods(http.MethodGet)
	api.HandleFunc("/markets/{market}", s.handlers.ResetMarket).Methods(http.MethodDelete)
	api.HandleFunc("/markets/{market}/stats", s.handlers.MarketStats).Methods(http.MethodGet)
	api.HandleFunc("/markets/{market}/correlated", s.handlers.Correlated).Methods(http.MethodGet)
	api.HandleFunc("/markets/{market}/anomalies", s.handlers.MarketAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/counts", s.handlers.AnomalyCounts).Methods(http.MethodGet)

	api.HandleFunc("/correlations", s.handlers.Correlations).Methods(http.MethodGet)
	api.HandleFunc("/correlations/{a}/{b}", s.handlers.Pair).Methods(http.MethodGet)
	api.HandleFunc("/penalty", s.handlers.Penalty).Methods(http.MethodPost)
	api.HandleFunc("/size", s.handlers.Size).Methods(http.MethodPost)

	notAllowed := s.jsonContentTypeMiddleware(http.HandlerFunc(s.handlers.MethodNotAllowed))
	api.MethodNotAllowedHandler = notAllowed
	s.router.MethodNotAllowedHandler = notAllowed
	s.router.NotFoundHandler = s.jsonContentTypeMiddleware(http.HandlerFunc(s.handlers.NotFound))
}

// Handler exposes the routed handler chain.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestIDMiddleware propagates or assigns a request ID
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(handlers.WithRequestID(r.Context(), requestID)))
	})
}

// requestLoggingMiddleware logs all requests with structured format
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		event := log.Debug()
		if wrapper.statusCode >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("request_id", handlers.RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// timeoutMiddleware enforces request timeouts
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves until Shutdown. Bind failures are
// returned before serving begins.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	log.Info().Str("addr", listener.Addr().String()).Msg("Starting HTTP server")
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// responseWrapper captures response status code
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
