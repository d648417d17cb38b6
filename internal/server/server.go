// Package server exposes the routing pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/metrics"
	"github.com/tributary-ai/model-router/internal/middleware"
	"github.com/tributary-ai/model-router/internal/registry"
	"github.com/tributary-ai/model-router/internal/types"
)

// Router executes the routing pipeline. Satisfied by Service; tests stub it.
type Router interface {
	Route(ctx context.Context, req *types.RouteRequest) (*types.RouteResponse, error)
}

// Catalog answers model lookups. Satisfied by registry.Registry.
type Catalog interface {
	List(filter registry.Filter) []types.ModelDescriptor
	Get(id string) (types.ModelDescriptor, error)
	Version() string
}

// HealthReporter produces the aggregate health report. Satisfied by
// health.Monitor.
type HealthReporter interface {
	Report() types.HealthReport
}

// Config holds the HTTP server settings.
type Config struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`

	// HealthCacheTTL bounds how often /v1/health recomputes the report.
	HealthCacheTTL time.Duration `yaml:"health_cache_ttl"`
}

// Server is the HTTP front of the router.
type Server struct {
	router    Router
	catalog   Catalog
	health    HealthReporter
	metrics   *metrics.Collector
	validator *middleware.Validator
	logger    *logrus.Logger
	config    *Config

	httpServer *http.Server

	healthMu     sync.Mutex
	healthCached types.HealthReport
	healthAt     time.Time
}

// New builds the server. The validator may be nil when contract validation
// is disabled.
func New(router Router, catalog Catalog, health HealthReporter, collector *metrics.Collector, validator *middleware.Validator, config *Config, logger *logrus.Logger) *Server {
	if config.HealthCacheTTL == 0 {
		config.HealthCacheTTL = 5 * time.Second
	}
	return &Server{
		router:    router,
		catalog:   catalog,
		health:    health,
		metrics:   collector,
		validator: validator,
		logger:    logger,
		config:    config,
	}
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting model router server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping model router server")
	return s.httpServer.Shutdown(ctx)
}

// Handler assembles the full route table with middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)
	if s.validator != nil {
		r.Use(s.validator.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/route", s.handleRoute).Methods("POST")
	api.HandleFunc("/models", s.handleListModels).Methods("GET")
	api.HandleFunc("/models/{id}", s.handleGetModel).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", s.handleLiveness).Methods("GET")

	s.setupDocsRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && contentType != "application/json" {
				s.writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleRoute is the main entry: classify, route, execute, meter.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req types.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Mode == "" {
		req.Mode = types.ModeSingle
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Timestamp = time.Now().UTC()

	resp, err := s.router.Route(r.Context(), &req)
	if err != nil {
		s.writeRouteError(w, &req, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// writeRouteError maps pipeline errors onto HTTP statuses.
func (s *Server) writeRouteError(w http.ResponseWriter, req *types.RouteRequest, err error) {
	var exhausted *types.AllProvidersFailedError

	switch {
	case errors.Is(err, types.ErrFlagDenied):
		s.writeError(w, http.StatusForbidden, "routing is not enabled for this user")
	case errors.Is(err, types.ErrNoEligibleModels):
		s.writeError(w, http.StatusBadRequest, "no models satisfy this request")
	case errors.Is(err, types.ErrUnknownModel):
		s.writeError(w, http.StatusNotFound, "unknown model")
	case errors.As(err, &exhausted):
		s.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"attempts":   len(exhausted.Attempts),
		}).Error("All providers failed")
		s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": map[string]interface{}{
				"message":  "all providers failed",
				"type":     "all_providers_failed",
				"code":     http.StatusBadGateway,
				"attempts": exhausted.Attempts,
			},
			"timestamp": time.Now().Unix(),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.WithError(err).WithField("request_id", req.ID).Error("Routing failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.Filter{
		Provider:   q.Get("provider"),
		Category:   types.Category(q.Get("category")),
		Capability: types.Capability(q.Get("capability")),
		Tag:        q.Get("tag"),
	}

	models := s.catalog.List(filter)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"catalog_version": s.catalog.Version(),
		"models":          models,
		"count":           len(models),
	})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	model, err := s.catalog.Get(id)
	if err != nil {
		if errors.Is(err, types.ErrUnknownModel) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("model %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, model)
}

// handleHealth serves the aggregate report, recomputed at most once per
// cache TTL so probes in hot loops cannot hammer the monitor.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.cachedReport()

	status := http.StatusOK
	if report.Overall == types.HealthOffline {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) cachedReport() types.HealthReport {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	if time.Since(s.healthAt) < s.config.HealthCacheTTL && !s.healthAt.IsZero() {
		return s.healthCached
	}
	s.healthCached = s.health.Report()
	s.healthAt = time.Now()
	return s.healthCached
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    status,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
