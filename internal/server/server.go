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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/nftswap/internal/chain"
	"github.com/mbd888/nftswap/internal/config"
	"github.com/mbd888/nftswap/internal/escrow"
	"github.com/mbd888/nftswap/internal/health"
	"github.com/mbd888/nftswap/internal/idgen"
	"github.com/mbd888/nftswap/internal/logging"
	"github.com/mbd888/nftswap/internal/metrics"
	"github.com/mbd888/nftswap/internal/ratelimit"
	"github.com/mbd888/nftswap/internal/recovery"
	"github.com/mbd888/nftswap/internal/retry"
	"github.com/mbd888/nftswap/internal/security"
	"github.com/mbd888/nftswap/internal/traces"
	"github.com/mbd888/nftswap/internal/trades"
	"github.com/mbd888/nftswap/internal/validation"
	"github.com/mbd888/nftswap/internal/watcher"
)

// Version is reported by the health and info endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	store        trades.Store
	reader       chain.ReceiptReader
	logReader    chain.LogReader
	chainClient  *chain.Client     // nil when a reader was injected
	redisCache   *chain.RedisCache // nil unless REDIS_URL is set
	contract     *escrow.Contract
	manager      *trades.Manager
	resolver     *recovery.Resolver
	watcher      *watcher.Watcher // nil when SYNC_POLL_INTERVAL is 0 or no log reader is available
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithReceiptReader replaces the RPC-backed chain client (for testing)
func WithReceiptReader(r chain.ReceiptReader) Option {
	return func(s *Server) {
		s.reader = r
	}
}

// WithLogReader sets the log source for the escrow watcher (for testing)
func WithLogReader(r chain.LogReader) Option {
	return func(s *Server) {
		s.logReader = r
	}
}

// WithStore replaces the configured trade store (for testing)
func WithStore(st trades.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
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
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set reader/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.initStore(ctx); err != nil {
		s.closeBackends()
		return nil, err
	}
	if err := s.initChain(ctx); err != nil {
		s.closeBackends()
		return nil, err
	}

	contract, err := escrow.New(common.HexToAddress(cfg.EscrowContract))
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("failed to load escrow ABI: %w", err)
	}
	s.contract = contract

	s.manager = trades.NewManager(s.store,
		trades.WithChain(s.reader, contract),
		trades.WithCreationVerification(cfg.VerifyCreation),
		trades.WithManagerLogger(s.logger),
	)
	s.resolver = recovery.NewResolver(s.reader, contract, s.logger)

	if s.logReader == nil && s.chainClient != nil {
		s.logReader = s.chainClient
	}
	if cfg.SyncPollInterval > 0 && s.logReader != nil {
		s.watcher = watcher.New(s.logReader, contract, s.manager, watcher.Config{
			PollInterval:  cfg.SyncPollInterval,
			StartBlock:    cfg.SyncStartBlock,
			MaxBlockRange: cfg.SyncMaxRange,
		}, s.logger)
	}

	s.logger.Info("escrow configured",
		"contract", contract.Address().Hex(),
		"chain_id", cfg.ChainID,
		"verify_creation", cfg.VerifyCreation,
		"event_sync", s.watcher != nil,
	)

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

// initStore selects Postgres if DATABASE_URL is set, otherwise in-memory.
func (s *Server) initStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = trades.NewMemoryStore()
		s.logger.Info("using in-memory trade store (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = trades.NewPostgresStore(db)
	s.health.Register("database", health.Ping("database", db))
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initChain dials the RPC node behind a receipt cache unless a reader was
// injected.
func (s *Server) initChain(ctx context.Context) error {
	if s.reader != nil {
		return nil
	}

	var cache chain.ReceiptCache
	if s.cfg.RedisURL != "" {
		rdb, err := chain.DialRedis(ctx, s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redisCache = chain.NewRedisCache(rdb, s.cfg.ReceiptCacheTTL)
		s.health.Register("receipt_cache", health.Ping("receipt_cache", s.redisCache))
		cache = s.redisCache
		s.logger.Info("receipt cache: redis", "ttl", s.cfg.ReceiptCacheTTL)
	} else {
		cache = chain.NewMemoryCache(s.cfg.ReceiptCacheSize, s.cfg.ReceiptCacheTTL)
		s.logger.Info("receipt cache: in-memory", "size", s.cfg.ReceiptCacheSize, "ttl", s.cfg.ReceiptCacheTTL)
	}

	client, err := chain.Dial(ctx, s.cfg.RPCURL,
		chain.WithRetry(retry.Policy{
			MaxAttempts: s.cfg.RPCMaxAttempts,
			BaseDelay:   s.cfg.RPCRetryDelay,
			MaxDelay:    8 * s.cfg.RPCRetryDelay,
		}),
		chain.WithCache(cache),
		chain.WithLogger(s.logger),
	)
	if err != nil {
		return err
	}

	s.chainClient = client
	s.reader = client
	s.health.Register("chain_rpc", health.Ping("chain_rpc", client))
	s.logger.Info("connected to chain RPC", "rpc", maskDSN(s.cfg.RPCURL))
	return nil
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

	// CORS for wallet front-ends
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
		})
		s.router.Use(s.rateLimiter.Middleware())
	}

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
			requestID = idgen.New()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())

	trades.NewHandler(s.manager).RegisterRoutes(v1)
	recovery.NewHandler(s.resolver).RegisterRoutes(v1)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
		"name":           "nftswap",
		"version":        Version,
		"chainId":        s.cfg.ChainID,
		"escrowContract": s.contract.Address().Hex(),
		"eventSync":      s.watcher != nil,
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Sample connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Keep records in step with resolutions made directly on the contract
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Warn("escrow watcher not started", "error", err)
		}
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

	// Cancel the context for background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.watcher != nil {
		s.watcher.Stop()
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

	s.closeBackends()

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// closeBackends releases the chain, cache and database connections.
func (s *Server) closeBackends() {
	if s.chainClient != nil {
		s.chainClient.Close()
		s.logger.Info("chain RPC connection closed")
	}

	if s.redisCache != nil {
		if err := s.redisCache.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
