package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"github.com/capacityd/capacityd/pkg/health"
	"github.com/capacityd/capacityd/pkg/monitoring"
	"github.com/capacityd/capacityd/pkg/pool"
	"github.com/capacityd/capacityd/pkg/storage"
)

// Config holds HTTP server settings.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the pool and health manager over REST plus a websocket
// stream of accepted health transitions.
type Server struct {
	config    Config
	router    *mux.Router
	pool      *pool.Manager
	healthMgr *health.Manager
	store     *storage.Store
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	srv       *http.Server

	mu       sync.Mutex
	watchers map[*websocket.Conn]bool
}

// NewServer wires routes and subscribes the websocket broadcast to the
// health manager's transition callbacks.
func NewServer(config Config, p *pool.Manager, hm *health.Manager, store *storage.Store, logger zerolog.Logger) *Server {
	s := &Server{
		config:    config,
		router:    mux.NewRouter(),
		pool:      p,
		healthMgr: hm,
		store:     store,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		watchers: make(map[*websocket.Conn]bool),
	}

	s.setupRoutes()
	hm.RegisterCallback(s.broadcastTransition)
	return s
}

// Router returns the configured router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.tracingMiddleware)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/leases", s.handleAllocate).Methods("POST")
	v1.HandleFunc("/leases/events", s.handleLeaseEvents).Methods("GET")
	v1.HandleFunc("/leases/{id}", s.handleRelease).Methods("DELETE")
	v1.HandleFunc("/pool", s.handlePoolStatus).Methods("GET")
	v1.HandleFunc("/pool/refresh", s.handleRefresh).Methods("POST")
	v1.HandleFunc("/health", s.handleHealthState).Methods("GET")
	v1.HandleFunc("/health/history", s.handleHealthHistory).Methods("GET")
	v1.HandleFunc("/health/reset", s.handleHealthReset).Methods("POST")
	v1.HandleFunc("/health/watch", s.handleHealthWatch).Methods("GET")

	s.router.HandleFunc("/health", s.handleLiveness).Methods("GET")
}

// Start runs the HTTP server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info().Str("address", s.config.Address).Msg("API server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes every watch connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.watchers {
		conn.Close()
	}
	s.watchers = make(map[*websocket.Conn]bool)
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := monitoring.Tracer().Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps the pool error taxonomy onto HTTP status codes. Errors
// outside the taxonomy are internal.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := pool.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case pool.KindValidation:
		status = http.StatusBadRequest
	case pool.KindPoolExhausted:
		status = http.StatusServiceUnavailable
	case pool.KindStaleResource:
		status = http.StatusNotFound
	}

	body := Error{
		Kind:      string(kind),
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
	var perr *pool.Error
	if errors.As(err, &perr) {
		body.Message = perr.Message
		body.Context = perr.Context
	} else {
		body.Kind = "INTERNAL_ERROR"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("API error")
	}
	s.writeJSON(w, status, ErrorResponse{Error: body})
}

// broadcastTransition fans one accepted transition out to every watcher.
func (s *Server) broadcastTransition(t health.Transition, _ health.State) {
	event := transitionEvent(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.watchers {
		if err := conn.WriteJSON(event); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping health watch connection")
			conn.Close()
			delete(s.watchers, conn)
		}
	}
}
