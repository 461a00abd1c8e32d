// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/duelpoint/duelpoint/internal/admin"
	"github.com/duelpoint/duelpoint/internal/auth"
	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/config"
	"github.com/duelpoint/duelpoint/internal/health"
	"github.com/duelpoint/duelpoint/internal/ledger"
	"github.com/duelpoint/duelpoint/internal/logging"
	"github.com/duelpoint/duelpoint/internal/metrics"
	"github.com/duelpoint/duelpoint/internal/payments"
	"github.com/duelpoint/duelpoint/internal/ratelimit"
	"github.com/duelpoint/duelpoint/internal/realtime"
	"github.com/duelpoint/duelpoint/internal/security"
	"github.com/duelpoint/duelpoint/internal/settlement"
	"github.com/duelpoint/duelpoint/internal/traces"
	"github.com/duelpoint/duelpoint/internal/validation"
	"github.com/duelpoint/duelpoint/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	authMgr         *auth.Manager
	ledger          *ledger.Ledger
	settlementSvc   *settlement.Service
	settlementStore settlement.Store
	settlementTimer *settlement.Timer
	paymentsSvc     *payments.Service
	realtimeHub     *realtime.Hub
	webhookStore    webhooks.Store
	rateLimiter     *ratelimit.Limiter
	healthChecks    *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc     // cancels background goroutines started in Run
	tracerShutdown  func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	settlementCfg := settlement.Config{
		FeeBps:          cfg.PlatformFeeBps,
		MinStake:        cfg.MinStake,
		MaxStake:        cfg.MaxStake,
		StartingGrant:   cfg.StartingGrant,
		PlatformAccount: settlement.DefaultPlatformAccount,
		MaxAttempts:     cfg.TxMaxAttempts,
	}

	// Realtime hub first: the settlement service publishes lifecycle events to it.
	s.realtimeHub = realtime.NewHub(s.logger)

	var paymentsStore payments.Store

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		s.healthChecks.Register("postgres", health.DatabaseChecker("postgres", db))

		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.ledger = ledger.New(ledger.NewPostgresStore(db), cfg.StartingGrant)
		s.settlementStore = settlement.NewPostgresStore(db)
		paymentsStore = payments.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		accounts := ledger.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.ledger = ledger.New(accounts, cfg.StartingGrant)
		s.settlementStore = settlement.NewMemoryStore(accounts)
		paymentsStore = payments.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
	}

	// The fee account and the bootstrap admin identity must never be
	// claimable through public registration.
	s.authMgr.ReserveUserIDs(settlementCfg.PlatformAccount, "admin")

	// Settlement events fan out to the websocket feed and to webhook
	// subscribers.
	emitter := webhooks.NewEmitter(webhooks.NewDispatcher(s.webhookStore, s.logger), s.logger)
	events := eventFanout{s.realtimeHub, emitter}

	s.settlementSvc = settlement.New(s.settlementStore, settlementCfg, s.logger, events)
	s.logger.Info("settlement enabled",
		"feeBps", cfg.PlatformFeeBps,
		"minStake", cfg.MinStake,
		"maxStake", cfg.MaxStake,
	)

	if cfg.ExpirySweep {
		s.settlementTimer = settlement.NewTimer(s.settlementSvc, s.settlementStore, cfg.SweepInterval, s.logger)
		s.logger.Info("expiry sweeper enabled", "interval", cfg.SweepInterval)
	}

	if cfg.StripeSecretKey != "" {
		s.paymentsSvc = payments.New(paymentsStore, s.ledger, cfg.StripeSecretKey, cfg.StripeWebhookSecret, s.logger)
		s.logger.Info("stripe payments enabled")
	}

	// Mint the pre-shared admin key so operators can adjudicate from day one
	if cfg.AdminBootstrapKey != "" {
		if err := s.authMgr.BootstrapAdmin(ctx, cfg.AdminBootstrapKey); err != nil {
			return nil, fmt.Errorf("failed to bootstrap admin key: %w", err)
		}
		s.logger.Info("admin key bootstrapped")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

	// WebSocket for real-time challenge events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// Stripe webhooks live outside /v1: Stripe authenticates with its own
	// signature, not an API key.
	if s.paymentsSvc != nil {
		paymentsHandler := payments.NewHandler(s.paymentsSvc)
		paymentsHandler.RegisterWebhookRoutes(s.router.Group(""))
	}

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :userId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserIDParamMiddleware())

	authHandler := auth.NewHandler(s.authMgr)
	ledgerHandler := ledger.NewHandler(s.ledger)
	settlementHandler := settlement.NewHandler(s.settlementSvc)

	// PUBLIC ROUTES (no auth required)
	authHandler.RegisterPublicRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		settlementHandler.RegisterRoutes(protected)
		ledgerHandler.RegisterProtectedRoutes(protected)
		authHandler.RegisterProtectedRoutes(protected)
		webhooks.NewHandler(s.webhookStore).RegisterRoutes(protected)

		if s.paymentsSvc != nil {
			paymentsHandler := payments.NewHandler(s.paymentsSvc)
			paymentsHandler.RegisterRoutes(protected)
		}
	}

	// ADMIN ROUTES (require an admin API key)
	adminHandler := admin.NewHandler(s.settlementSvc, s.ledger)
	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	adminHandler.RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthChecks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Duelpoint",
		"description": "Peer-to-peer skill wagering with escrowed stakes",
		"version":     "0.1.0",
		"currency":    "units",
		"realtime":    s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start expiry sweeper
	if s.settlementTimer != nil {
		go s.settlementTimer.Start(runCtx)
	}

	// DB pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.settlementTimer != nil {
		s.settlementTimer.Stop()
		s.logger.Info("expiry sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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

// eventFanout forwards each settlement event to every publisher.
type eventFanout []settlement.EventPublisher

func (f eventFanout) PublishChallengeEvent(event string, c *challenge.Challenge) {
	for _, p := range f {
		p.PublishChallengeEvent(event, c)
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
