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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms"

	"github.com/agenthub/agenthub/internal/agents"
	"github.com/agenthub/agenthub/internal/ai"
	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/config"
	"github.com/agenthub/agenthub/internal/health"
	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/marketplace"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/payment"
	"github.com/agenthub/agenthub/internal/poai"
	"github.com/agenthub/agenthub/internal/ratelimit"
	"github.com/agenthub/agenthub/internal/realtime"
	"github.com/agenthub/agenthub/internal/revenue"
	"github.com/agenthub/agenthub/internal/security"
	"github.com/agenthub/agenthub/internal/sensors"
	"github.com/agenthub/agenthub/internal/units"
	"github.com/agenthub/agenthub/internal/validation"
	"github.com/agenthub/agenthub/internal/wallet"
	"github.com/agenthub/agenthub/migrations"
)

// Version is reported by the health and info endpoints.
const Version = "0.1.0"

// Server is the AgentHub HTTP server.
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil if using in-memory
	reader *wallet.Reader
	chain  payment.TxLookup
	payer  payment.Payer
	llm    llms.Model

	agents      *agents.Service
	revenue     *revenue.Service
	marketplace *marketplace.Service
	sensors     *sensors.Service
	verifier    *payment.Verifier
	ai          *ai.Client
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithChain replaces the RPC-backed transaction lookup (for testing)
func WithChain(chain payment.TxLookup) Option {
	return func(s *Server) {
		s.chain = chain
	}
}

// WithPayer sets the facilitator that funds /x402/pay (for testing)
func WithPayer(p payment.Payer) Option {
	return func(s *Server) {
		s.payer = p
	}
}

// WithLLM replaces the Gemini model (for testing)
func WithLLM(llm llms.Model) Option {
	return func(s *Server) {
		s.llm = llm
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(cfg.RPCTimeout),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupChain(); err != nil {
		return nil, err
	}
	if err := s.setupServices(ctx); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	apierror.SetVerbose(!cfg.IsProduction())

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage opens Postgres and Redis when configured. Without them every
// store runs in memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		if s.cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		s.health.Register("database", db.PingContext)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("using Redis sensor cache", "addr", opts.Addr)

		s.health.Register("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return nil
}

// setupChain connects the transaction reader and, when a key is
// configured, the facilitator wallet.
func (s *Server) setupChain() error {
	walletCfg := wallet.Config{
		RPCURL:       s.cfg.RPCURL,
		PrivateKey:   s.cfg.FacilitatorPrivateKey,
		ChainID:      s.cfg.ChainID,
		USDCContract: s.cfg.USDCContract,
	}

	if s.chain == nil {
		reader, err := wallet.NewReader(walletCfg)
		if err != nil {
			// Gates answer 502 until the RPC is reachable.
			s.logger.Warn("chain reader unavailable, payment verification disabled", "error", err)
		} else {
			s.reader = reader
			s.chain = reader
			s.health.RegisterOptional("rpc", func(ctx context.Context) error {
				_, err := reader.BalanceOf(ctx, common.Address{})
				return err
			})
		}
	}

	if s.payer == nil && s.cfg.FacilitatorPrivateKey != "" {
		w, err := wallet.New(walletCfg)
		if err != nil {
			return fmt.Errorf("failed to create facilitator wallet: %w", err)
		}
		s.payer = w
		s.logger.Info("facilitator wallet enabled", "address", w.Address())
	}
	return nil
}

func (s *Server) setupServices(ctx context.Context) error {
	minStake, err := units.ParseEther(s.cfg.MinStake)
	if err != nil {
		return fmt.Errorf("invalid MIN_STAKE: %w", err)
	}

	var (
		agentStore   agents.Store
		revenueStore revenue.Store
		marketStore  marketplace.Store
	)
	if s.db != nil {
		agentStore = agents.NewPostgresStore(s.db)
		revenueStore = revenue.NewPostgresStore(s.db)
		marketStore = marketplace.NewPostgresStore(s.db)
	} else {
		agentStore = agents.NewMemoryStore()
		revenueStore = revenue.NewMemoryStore()
		marketStore = marketplace.NewMemoryStore()
	}
	s.agents = agents.NewService(agentStore, minStake, s.cfg.OperatorAddress)
	s.revenue = revenue.NewService(revenueStore, s.cfg.OperatorAddress)
	s.marketplace = marketplace.NewService(marketStore, s.revenue)

	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(s.cfg.AllowedOrigins)

	var (
		cache  sensors.Cache
		replay payment.ReplayStore
	)
	if s.redis != nil {
		cache = sensors.NewRedisCache(s.redis, sensors.DefaultCapacity)
		replay = payment.NewRedisReplayStore(s.redis, 0)
	} else {
		cache = sensors.NewMemoryCache(sensors.DefaultCapacity)
		replay = payment.NewMemoryReplayStore(0)
	}
	s.sensors = sensors.NewService(cache, s.realtimeHub)

	s.verifier = payment.NewVerifier(s.chain, replay, payment.Config{
		Merchant: s.cfg.MerchantAddress,
		Chain:    s.cfg.ChainName,
		Timeout:  s.cfg.RPCTimeout,
	})
	if s.verifier.Enabled() {
		s.logger.Info("x402 payment gates enabled", "merchant", s.cfg.MerchantAddress, "chain", s.cfg.ChainName)
	} else {
		s.logger.Warn("MERCHANT_ADDRESS not set, x402 payment gates are open")
	}

	if s.llm != nil {
		s.ai = ai.NewClient(s.llm, s.cfg.AITimeout)
	} else {
		client, err := ai.NewGemini(ctx, s.cfg.GeminiAPIKey, s.cfg.AITimeout)
		if err != nil {
			return fmt.Errorf("failed to create AI client: %w", err)
		}
		s.ai = client
	}
	if !s.ai.Enabled() {
		s.logger.Warn("GEMINI_API_KEY not set, AI chat runs in demo mode")
	}
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		apierror.Abort(c, http.StatusInternalServerError, "internal_error",
			"An unexpected error occurred", fmt.Errorf("panic: %v", recovered))
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware("/health", "/metrics", "/ws"))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if agentID := c.GetHeader(sensors.AgentHeader); agentID != "" {
			ctx = logging.WithAgentID(ctx, agentID)
		}
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
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
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/", s.infoHandler)
	s.router.GET("/stats", s.statsHandler)

	api := s.router.Group("")

	// Mutations act for the X-Caller-Address header.
	protected := api.Group("")
	protected.Use(validation.CallerMiddleware())

	agentHandler := agents.NewHandler(s.agents).WithEvents(s.realtimeHub)
	agentHandler.RegisterRoutes(api)
	agentHandler.RegisterProtectedRoutes(protected)

	revenueHandler := revenue.NewHandler(s.revenue)
	revenueHandler.RegisterRoutes(api)
	revenueHandler.RegisterProtectedRoutes(protected)

	marketHandler := marketplace.NewHandler(s.marketplace).WithEvents(s.realtimeHub)
	marketHandler.RegisterRoutes(api)
	marketHandler.RegisterProtectedRoutes(protected)

	payment.NewHandler(s.verifier, s.payer, s.realtimeHub, s.cfg.RPCTimeout*3).RegisterRoutes(api)
	sensors.NewHandler(s.sensors, s.verifier).RegisterRoutes(api)
	ai.NewHandler(s.ai, s.verifier).RegisterRoutes(api)
	poai.NewHandler().RegisterRoutes(api)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	rep := s.health.CheckAll(ctx)

	status, httpStatus := "healthy", http.StatusOK
	switch {
	case !rep.Healthy:
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    rep.Checks,
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
		"name":        "AgentHub",
		"description": "Agent registry, service marketplace and x402 payments",
		"version":     Version,
		"chain":       s.cfg.ChainName,
		"chainId":     s.cfg.ChainID,
		"currency":    payment.DefaultToken,
		"payments": gin.H{
			"enabled":  s.verifier.Enabled(),
			"merchant": s.verifier.Merchant(),
			"tiers":    payment.Tiers(s.cfg.ChainName),
		},
		"ai": gin.H{
			"enabled":  s.ai.Enabled(),
			"models":   s.ai.Models(),
			"circuits": s.ai.Circuits(),
		},
		"minStake": s.agents.MinStake(),
	})
}

// statsHandler returns network totals and realtime hub counters.
func (s *Server) statsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	totalAgents, err := s.agents.Count(ctx)
	if err != nil {
		apierror.Respond(c, http.StatusInternalServerError, "internal_error", "Failed to get network stats", err)
		return
	}
	totalServices, err := s.marketplace.Count(ctx)
	if err != nil {
		apierror.Respond(c, http.StatusInternalServerError, "internal_error", "Failed to get network stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"totalAgents":   totalAgents,
		"totalServices": totalServices,
		"realtime":      s.realtimeHub.Stats(),
		"updatedAt":     time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.AITimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chain", s.cfg.ChainName,
			"payments", s.verifier.Enabled(),
			"ai", s.ai.Enabled(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.Close()
	s.logger.Info("server stopped")
	return nil
}

// Close releases the rate limiter, chain, redis and database connections.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			s.logger.Error("rpc close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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
