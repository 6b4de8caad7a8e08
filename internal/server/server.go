// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pharmcompound/pharmcompound-api/internal/auth"
	"github.com/pharmcompound/pharmcompound-api/internal/billing"
	"github.com/pharmcompound/pharmcompound-api/internal/circuitbreaker"
	"github.com/pharmcompound/pharmcompound-api/internal/config"
	"github.com/pharmcompound/pharmcompound-api/internal/dashboard"
	"github.com/pharmcompound/pharmcompound-api/internal/health"
	"github.com/pharmcompound/pharmcompound-api/internal/idgen"
	"github.com/pharmcompound/pharmcompound-api/internal/logging"
	"github.com/pharmcompound/pharmcompound-api/internal/metrics"
	"github.com/pharmcompound/pharmcompound-api/internal/onboarding"
	"github.com/pharmcompound/pharmcompound-api/internal/ratelimit"
	"github.com/pharmcompound/pharmcompound-api/internal/security"
	"github.com/pharmcompound/pharmcompound-api/internal/tenant"
	"github.com/pharmcompound/pharmcompound-api/internal/traces"
	"github.com/pharmcompound/pharmcompound-api/internal/validation"
	"github.com/pharmcompound/pharmcompound-api/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db          *sql.DB // nil if using in-memory
	tenants     tenant.Store
	dashboard   dashboard.Store
	gateway     billing.Gateway
	breaker     *circuitbreaker.Breaker
	tokens      *auth.TokenIssuer
	authn       *auth.Authenticator
	coordinator *onboarding.Coordinator
	billing     *billing.Service
	health      *health.Registry
	authLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithGateway sets the billing gateway (for testing)
func WithGateway(g billing.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return nil, err
		}
		s.tenants = tenant.NewPostgresStore(s.db, cfg.DBQueryTimeout)
		s.dashboard = dashboard.NewPostgresStore(s.db, cfg.DBQueryTimeout)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		mem := tenant.NewMemoryStore()
		s.tenants = mem
		s.dashboard = dashboard.NewMemoryStore(mem)
	}

	// Billing gateway with a per-operation circuit breaker
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(op string, from, to circuitbreaker.State) {
		s.logger.Warn("billing circuit state changed", "operation", op, "from", from.String(), "to", to.String())
	})
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = billing.NewStripeGateway(cfg.StripeSecretKey, cfg.BillingTimeout,
				billing.WithBreaker(s.breaker))
			s.logger.Info("billing gateway: stripe")
		} else {
			s.gateway = billing.NewMemoryGateway()
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-memory billing gateway")
		}
	}

	// Sessions, onboarding, billing
	s.tokens = auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer)
	s.authn = auth.NewAuthenticator(s.tenants, s.tokens)
	s.coordinator = onboarding.NewCoordinator(s.tenants, s.gateway, s.tokens)
	s.billing = billing.NewService(s.tenants, s.gateway, s.dashboard, billing.Config{
		AppURL:        cfg.AppURL,
		WebhookSecret: cfg.StripeWebhookSecret,
	})
	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, billing webhooks will be rejected")
	}

	// Health checks
	s.health = health.NewRegistry()
	s.health.SetTimeout(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.PingChecker("database", s.db))
	}
	s.health.Register("billing", s.billingChecker)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	// ClientIP keys the auth limiter; only listed proxies may set it.
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.AutoMigrate {
		n, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied", "count", n)
	}

	s.db = db
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Request ID first so every later log line carries it
	s.router.Use(s.requestIDMiddleware())

	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "internal_error",
			"message":    "An unexpected error occurred",
			"request_id": logging.RequestID(c.Request.Context()),
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for the configured frontend
	s.router.Use(security.CORSMiddleware([]string{s.cfg.CORSOrigin}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

// maxRequestIDLength bounds a propagated X-Request-ID.
const maxRequestIDLength = 128

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	authHandler := auth.NewHandler(s.authn, s.tenants)
	onboardingHandler := onboarding.NewHandler(s.coordinator)
	billingHandler := billing.NewHandler(s.billing)
	dashboardHandler := dashboard.NewHandler(s.dashboard)

	api := s.router.Group("/api")

	// Credential endpoints: per-IP rate limit, never cached
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.AuthRateLimitRPM
	s.authLimiter = ratelimit.New(rl)
	public := api.Group("/auth", s.authLimiter.Middleware(), security.NoStore())
	onboardingHandler.RegisterRoutes(public)
	authHandler.RegisterPublicRoutes(public)

	// Everything else under /api requires a session token
	protected := api.Group("", auth.RequireAuth(s.tokens))
	authHandler.RegisterProtectedRoutes(protected.Group("/auth", security.NoStore()))
	billingHandler.RegisterProtectedRoutes(protected)
	dashboardHandler.RegisterRoutes(protected)

	// Provider callbacks authenticate by signature
	billingHandler.RegisterWebhookRoutes(s.router.Group("/webhooks"))
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// billingChecker reports the billing gateway unhealthy while any of its
// circuits is open.
func (s *Server) billingChecker(context.Context) health.Status {
	if open := s.breaker.OpenOperations(); len(open) > 0 {
		return health.Status{Name: "billing", Healthy: false, Detail: "circuit open: " + strings.Join(open, ", ")}
	}
	return health.Status{Name: "billing", Healthy: true}
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Connection pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.authLimiter != nil {
		s.authLimiter.Stop()
	}

	// Flush spans
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
