// Package api provides the HTTP surface: the balance read path used by the UI,
// health and metrics, and the admin endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/balance-sentinel/internal/adapter"
	"github.com/balance-sentinel/internal/circuitbreaker"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/notify"
	"github.com/balance-sentinel/internal/ratelimit"
	"github.com/balance-sentinel/internal/service"
	"github.com/balance-sentinel/internal/types"
	"github.com/balance-sentinel/internal/worker"
)

// Service interfaces for dependency injection and testing

// BalanceResolver resolves a wallet's balances
type BalanceResolver interface {
	ResolveDetailed(ctx context.Context, key types.BalanceKey) *service.Resolution
}

// ThresholdSettings reads and replaces the change threshold
type ThresholdSettings interface {
	Get() decimal.Decimal
	SetString(ctx context.Context, percent string) error
}

// CheckRunner runs forced detection cycles
type CheckRunner interface {
	ForceCheck(ctx context.Context, userID string) (*service.CycleResult, error)
	ForceSweep(ctx context.Context) (*worker.SweepResult, error)
	Status() *worker.SchedulerStatus
}

// NotificationLister lists stored notifications
type NotificationLister interface {
	List(ctx context.Context, userID string, limit int) ([]notify.Notification, error)
}

// ChainHealth reports chain provider health
type ChainHealth interface {
	Health() []*adapter.ProviderHealth
}

// BreakerReporter reports circuit breaker state
type BreakerReporter interface {
	BreakerStats() map[string]*circuitbreaker.Stats
}

// BudgetReporter reports provider request budget usage
type BudgetReporter interface {
	Usage(ctx context.Context) (*ratelimit.Usage, error)
}

// Pinger is a dependency the health check probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the server exposes. Optional fields are
// left nil when the component is disabled.
type Dependencies struct {
	Resolver      BalanceResolver
	Threshold     ThresholdSettings
	Checker       CheckRunner
	Notifications NotificationLister
	ChainHealth   ChainHealth
	Breakers      BreakerReporter
	Budget        BudgetReporter
	Pingers       map[string]Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Dependencies
	config     *ServerConfig
	log        *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host               string
	Port               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	RequestsPerHour    int    // per client, /api routes only
	AdminToken         string // admin routes are disabled when empty
	ForceCheckDeadline time.Duration
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies, log *logging.Logger) *Server {
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	if config.ForceCheckDeadline <= 0 {
		config.ForceCheckDeadline = 2 * time.Minute
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
		log:    log.WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(RecoveryMiddleware(s.log))
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerHour)))
	api.HandleFunc("/users/{userId}/balances/{address}", s.handleGetBalance).Methods("GET")
	if s.deps.Notifications != nil {
		api.HandleFunc("/users/{userId}/notifications", s.handleListNotifications).Methods("GET")
	}

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(AdminAuthMiddleware(s.config.AdminToken))
	admin.HandleFunc("/threshold", s.handleGetThreshold).Methods("GET")
	admin.HandleFunc("/threshold", s.handleSetThreshold).Methods("PUT")
	admin.HandleFunc("/check", s.handleForceCheck).Methods("POST")
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
