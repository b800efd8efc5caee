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
	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/circuitbreaker"
	"github.com/mbd888/p2pescrow/internal/config"
	"github.com/mbd888/p2pescrow/internal/health"
	"github.com/mbd888/p2pescrow/internal/logging"
	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/offers"
	"github.com/mbd888/p2pescrow/internal/orders"
	"github.com/mbd888/p2pescrow/internal/ratelimit"
	"github.com/mbd888/p2pescrow/internal/security"
	"github.com/mbd888/p2pescrow/internal/validation"
	"github.com/mbd888/p2pescrow/migrations"
)

const (
	version      = "0.1.0"
	devTokenTTL  = 24 * time.Hour
	drainTimeout = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	pallet      chain.Pallet
	evm         *chain.EVMPallet // nil unless a contract is configured
	coordinator *chain.Coordinator
	offers      *offers.Service
	orders      *orders.Service
	sweeper     *orders.Sweeper
	verifier    *auth.Verifier
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	now         func() time.Time
	drainDelay  time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPallet replaces the escrow pallet (for testing)
func WithPallet(p chain.Pallet) Option {
	return func(s *Server) {
		s.pallet = p
	}
}

// WithClock replaces the engine clock (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		now:        time.Now,
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
		verifier:   auth.NewVerifier(cfg.JWTSecret),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		offerStore   offers.Store       = offers.NewMemoryStore()
		orderStore   orders.Store       = orders.NewMemoryStore()
		attemptStore chain.AttemptStore = chain.NewMemoryAttemptStore()
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		offerStore = offers.NewPostgresStore(db)
		orderStore = orders.NewPostgresStore(db)
		attemptStore = chain.NewPostgresAttemptStore(db)
		s.health.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage; all state is lost on restart")
	}

	// Escrow pallet: EVM contract if configured, otherwise simulated
	if s.pallet == nil {
		if cfg.ChainEnabled() {
			evm, err := chain.NewEVMPallet(chain.EVMConfig{
				RPCURL:        cfg.RPCURL,
				PrivateKey:    cfg.EscrowPrivateKey,
				ChainID:       cfg.ChainID,
				Contract:      cfg.EscrowContract,
				Confirmations: cfg.ChainConfirmations,
			})
			if err != nil {
				s.closeDB()
				return nil, fmt.Errorf("failed to initialize escrow contract client: %w", err)
			}
			s.evm = evm
			s.pallet = evm
			s.logger.Info("escrow contract configured",
				"contract", cfg.EscrowContract, "chain_id", cfg.ChainID, "operator", evm.Address())
		} else {
			s.pallet = chain.NewSimulatedPallet()
			s.logger.Warn("RPC_URL or ESCROW_CONTRACT not set, using simulated escrow pallet")
		}
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("escrow circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})
	s.coordinator = chain.NewCoordinator(s.pallet, attemptStore, logging.Component(s.logger, "chain"),
		chain.WithCallTimeout(cfg.ChainCallTimeout),
		chain.WithFinalityTimeout(cfg.ChainFinalityWindow),
		chain.WithBreaker(breaker),
	)
	s.health.Register("chain", func(context.Context) health.Status {
		if !s.coordinator.Healthy() {
			return health.Status{Name: "chain", Healthy: false, Detail: "circuit open"}
		}
		return health.Status{Name: "chain", Healthy: true}
	})

	// Domain services
	s.offers = offers.NewService(offerStore, logging.Component(s.logger, "offers")).WithClock(s.now)
	s.orders = orders.NewService(orderStore, s.offers, s.coordinator, logging.Component(s.logger, "orders"),
		orders.WithTimeouts(orders.Timeouts{
			Escrow:  cfg.EscrowTimeout,
			Payment: cfg.PaymentTimeout,
			Confirm: cfg.ConfirmTimeout,
		}),
		orders.WithArbiters(cfg.ArbiterIDs...),
		orders.WithClock(s.now),
	)
	s.sweeper = orders.NewSweeper(s.orders, logging.Component(s.logger, "sweeper"),
		orders.WithInterval(cfg.SweepInterval),
		orders.WithBatchSize(cfg.SweepBatchSize),
	)
	s.health.Register("sweeper", health.WorkerChecker("sweeper", s.sweeper.Running))

	if len(cfg.ArbiterIDs) == 0 {
		s.logger.Warn("ARBITER_IDS not set, disputes cannot be resolved")
	}

	// HTTP
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Authentication is resolved globally so the limiter can key by user;
	// RequireAuth gates the protected group.
	s.router.Use(auth.Middleware(s.verifier))
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithOrderID(ctx, id)
		}
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if userID := auth.UserID(c); userID != "" {
			attrs = append(attrs, "user_id", userID)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.LiveHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("")
	api.Use(s.rateLimiter.Middleware())

	offerHandler := offers.NewHandler(s.offers)
	offerHandler.RegisterRoutes(api)

	if s.cfg.IsDevelopment() {
		api.POST("/dev/token", s.devTokenHandler)
	}

	protected := api.Group("")
	protected.Use(auth.RequireAuth())
	offerHandler.RegisterProtectedRoutes(protected)
	orders.NewHandler(s.orders).RegisterProtectedRoutes(protected)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler(c)
}

type devTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// devTokenHandler issues a bearer token for any user id. Development only.
func (s *Server) devTokenHandler(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	userID := validation.SanitizeString(req.UserID, 64)
	token, err := s.verifier.Issue(userID, devTokenTTL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"userId":    userID,
		"expiresIn": int(devTokenTTL.Seconds()),
		"arbiter":   s.orders.IsArbiter(userID),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers. Run calls it; tests may call it
// directly with their own context.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.sweeper.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	s.ready.Store(true)
	s.logger.Info("server ready",
		"escrow_timeout", s.cfg.EscrowTimeout, "payment_timeout", s.cfg.PaymentTimeout,
		"confirm_timeout", s.cfg.ConfirmTimeout, "sweep_interval", s.cfg.SweepInterval)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// chain calls can take up to the call timeout
		WriteTimeout: s.cfg.ChainCallTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to see the failing readiness probe.
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight requests are drained; now stop the sweeper and collectors.
	s.sweeper.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("sweeper stopped")

	s.rateLimiter.Stop()

	if s.evm != nil {
		s.evm.Close()
	}
	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Sweeper exposes the timeout sweeper for one-shot runs.
func (s *Server) Sweeper() *orders.Sweeper {
	return s.sweeper
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
