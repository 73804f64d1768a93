// Package api provides the admin HTTP API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/deposit-settlement/internal/adapter"
	"github.com/deposit-settlement/internal/deposit"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/scanner"
	"github.com/deposit-settlement/internal/types"
)

// ProviderService exposes RPC provider state and manual switching.
type ProviderService interface {
	Status(ctx context.Context) *adapter.FailoverStatus
	SetActiveProvider(ctx context.Context, name string) error
}

// DepositService answers deposit lookups from the transfer cache.
type DepositService interface {
	GetCachedDeposits(ctx context.Context, wallet string, token types.TokenType) (*scanner.CachedDeposits, error)
	VerifyDepositFromCache(ctx context.Context, wallet string, minAmount decimal.Decimal, token types.TokenType) (*scanner.VerificationResult, error)
	GetTransfer(ctx context.Context, txHash string) (*models.CachedTransfer, error)
	CacheStats(ctx context.Context) ([]scanner.TokenStats, error)
}

// LedgerService reads settled deposits.
type LedgerService interface {
	Deposit(ctx context.Context, txHash string) (*models.Deposit, error)
	UserDeposits(ctx context.Context, userID int64) (*deposit.UserDeposits, error)
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	providers  ProviderService
	deposits   DepositService
	ledger     LedgerService
	checks     map[string]HealthCheck
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestsPerSecond float64 // per client, 0 disables limiting
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, providers ProviderService, deposits DepositService, ledger LedgerService, checks map[string]HealthCheck, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:    mux.NewRouter(),
		providers: providers,
		deposits:  deposits,
		ledger:    ledger,
		checks:    checks,
		logger:    logger.WithComponent("api"),
		config:    config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))

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
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/providers", s.handleGetProviders).Methods(http.MethodGet)
	v1.HandleFunc("/providers/active", s.handleSetActiveProvider).Methods(http.MethodPut)

	v1.HandleFunc("/deposits/cached", s.handleCachedDeposits).Methods(http.MethodGet)
	v1.HandleFunc("/deposits/verify", s.handleVerifyDeposit).Methods(http.MethodGet)
	v1.HandleFunc("/deposits/{txHash}", s.handleGetDeposit).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id:[0-9]+}/deposits", s.handleUserDeposits).Methods(http.MethodGet)

	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{txHash}", s.handleGetTransfer).Methods(http.MethodGet)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth runs every dependency check with a short deadline.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	code := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			results[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "deposit-settlement",
		"checks":  results,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
