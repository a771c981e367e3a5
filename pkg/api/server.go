package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seamusabshere/fuzzy-infer/pkg/datastore"
	"github.com/seamusabshere/fuzzy-infer/pkg/imputation"
	"github.com/seamusabshere/fuzzy-infer/pkg/inference"
	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// Inferrer runs one inference invocation
type Inferrer interface {
	Infer(ctx context.Context, entityType string, record models.Record, targets ...string) (*inference.Result, error)
}

// Catalog lists registered configurations
type Catalog interface {
	EntityTypes() []string
	Configs(entityType string) []*models.InferenceConfig
}

// Store is the subset of the data store the API reads directly
type Store interface {
	Ping(ctx context.Context) error
	ListImputations(ctx context.Context, entityType string) ([]*datastore.Imputation, error)
}

// Options configures a Server
type Options struct {
	Port           string
	RequestTimeout time.Duration
	Logger         *logging.Logger
	// Scheduler is optional; job routes are only registered when it is set
	Scheduler *imputation.Scheduler
}

// Server provides HTTP API endpoints
type Server struct {
	engine     Inferrer
	catalog    Catalog
	store      Store
	scheduler  *imputation.Scheduler
	logger     *logging.Logger
	timeout    time.Duration
	router     *mux.Router
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(engine Inferrer, catalog Catalog, store Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	port := opts.Port
	if port == "" {
		port = "8080"
	}

	s := &Server{
		engine:    engine,
		catalog:   catalog,
		store:     store,
		scheduler: opts.Scheduler,
		logger:    logger.WithFields(logging.Component("http")),
		timeout:   opts.RequestTimeout,
		router:    mux.NewRouter(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes sets up the HTTP routes with API versioning
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.errorRecoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.versionMiddleware("v1"))
	v1.Use(s.timeoutMiddleware)

	v1.HandleFunc("/entities", s.handleListEntities).Methods("GET")
	v1.HandleFunc("/entities/{entity}/configs", s.handleListConfigs).Methods("GET")
	v1.HandleFunc("/entities/{entity}/infer", s.handleInfer).Methods("POST")
	v1.HandleFunc("/entities/{entity}/imputations", s.handleListImputations).Methods("GET")

	if s.scheduler != nil {
		v1.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
		v1.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
		v1.HandleFunc("/jobs/{id}/run", s.handleRunJob).Methods("POST")
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("Starting API server", logging.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
