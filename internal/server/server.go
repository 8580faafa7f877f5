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
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/receipts"
	"github.com/mbd888/escrowd/internal/reconciliation"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/webhooks"
	"github.com/mbd888/escrowd/migrations"
)

// CallerHeader carries the caller identity. Authentication happens in front
// of this service; the header is trusted as the verified identity.
const CallerHeader = "X-Caller-Address"

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil unless DATABASE_URL is set
	levelStore     *escrow.LevelStore
	clock          clock.Source
	chainClock     *clock.Chain
	ledger         *ledger.Ledger
	escrowService  *escrow.Service
	recorder       *events.Recorder
	realtimeHub    *realtime.Hub
	amqpSink       *events.AMQPSink
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	webhookStore   webhooks.Store
	receiptStore   receipts.Store
	receipts       *receipts.Service
	webhooks       *webhooks.Dispatcher
	health         *health.Registry
	limiter        *ratelimit.Limiter // nil when RATE_LIMIT_RPM is 0
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces traces.ShutdownFunc
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithClock sets the height source (for testing)
func WithClock(src clock.Source) Option {
	return func(s *Server) {
		s.clock = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set clock/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	store, err := s.setupStorage(ctx)
	if err != nil {
		s.closeResources()
		return nil, err
	}

	if err := s.setupClock(); err != nil {
		s.closeResources()
		return nil, err
	}
	s.health.Register("clock", health.ClockChecker(s.clock))

	// Event sinks: structured log, in-memory history, WebSocket stream,
	// party webhooks and optionally the broker.
	s.recorder = events.NewRecorder(events.DefaultRecorderLimit)
	s.realtimeHub = realtime.NewHub(s.logger).WithHistory(s.recorder)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger)
	s.webhooks.Breaker().OnTransition(func(dest string, from, to circuitbreaker.State) {
		s.logger.Warn("webhook circuit changed", "url", dest, "from", from.String(), "to", to.String())
	})
	s.receipts = receipts.NewService(s.receiptStore, receipts.NewSigner(cfg.ReceiptSecret))
	if !s.receipts.Enabled() {
		s.logger.Warn("RECEIPT_SECRET not set, settlement receipts disabled")
	}
	sinks := events.Multi{events.NewLogSink(s.logger), s.receipts, s.recorder, s.realtimeHub, s.webhooks}
	if cfg.AMQPURL != "" {
		sink, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			s.logger.Warn("event broker unavailable, publishing disabled", "error", err)
		} else {
			sink.Breaker().OnTransition(func(dest string, from, to circuitbreaker.State) {
				s.logger.Warn("event broker circuit changed", "exchange", dest, "from", from.String(), "to", to.String())
			})
			s.amqpSink = sink.WithLogger(s.logger)
			sinks = append(sinks, sink)
			s.logger.Info("event publishing enabled", "exchange", cfg.AMQPExchange)
		}
	}

	s.escrowService = escrow.NewService(store, s.ledger, s.clock, escrow.Config{
		Admin:    cfg.AdminAddr,
		Deadline: cfg.Deadline(),
	}).WithSink(sinks)
	s.logger.Info("escrow enabled",
		"admin", s.escrowService.Admin(),
		"custodian", s.ledger.Custodian(),
		"default_lifetime", cfg.DefaultLifetime,
	)

	s.reconciler = reconciliation.NewService(s.ledger, s.escrowService)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.health.Register("conservation", health.ConservationChecker(func(ctx context.Context) (health.ConservationResult, error) {
		res, err := s.reconciler.Check(ctx)
		if err != nil {
			return health.ConservationResult{}, err
		}
		return health.ConservationResult{Match: res.Match, Surplus: res.Surplus, Shortfall: res.Shortfall}, nil
	}))

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

// setupStorage opens the ledger and transaction stores. PostgreSQL backs
// both when DATABASE_URL is set; otherwise the ledger is in-memory and
// transactions go to LevelDB or memory.
func (s *Server) setupStorage(ctx context.Context) (escrow.Store, error) {
	cfg := s.cfg

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.ledger = ledger.New(ledger.NewPostgresStore(db), cfg.CustodianAddr)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.receiptStore = receipts.NewPostgresStore(db)
		s.health.Register("database", health.DatabaseChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		return escrow.NewPostgresStore(db), nil
	}

	s.ledger = ledger.New(ledger.NewMemoryStore(), cfg.CustodianAddr)
	s.webhookStore = webhooks.NewMemoryStore()
	s.receiptStore = receipts.NewMemoryStore()

	if cfg.LevelDBPath != "" {
		store, err := escrow.OpenLevelStore(cfg.LevelDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb: %w", err)
		}
		s.levelStore = store
		s.logger.Warn("using LevelDB transaction store with in-memory ledger; balances will not persist",
			"path", cfg.LevelDBPath)
		return store, nil
	}

	s.logger.Info("using in-memory storage (data will not persist)")
	return escrow.NewMemoryStore(), nil
}

// setupClock picks the height source: an injected clock, the chain's block
// number, or wall-clock time divided into fixed intervals.
func (s *Server) setupClock() error {
	if s.clock != nil {
		return nil
	}
	if s.cfg.RPCURL != "" {
		chain, err := clock.DialChain(s.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to dial chain: %w", err)
		}
		s.chainClock = chain
		s.clock = chain
		s.logger.Info("using chain height", "rpc", s.cfg.RPCURL)
		return nil
	}
	wall, err := clock.NewWall(s.cfg.GenesisTime, s.cfg.BlockInterval)
	if err != nil {
		return fmt.Errorf("failed to create wall clock: %w", err)
	}
	s.clock = wall
	s.logger.Info("using wall-clock height",
		"genesis", s.cfg.GenesisTime.Format(time.RFC3339),
		"interval", s.cfg.BlockInterval.String())
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

	// Security headers and CORS
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins, CallerHeader))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Body size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Caller identity
	s.router.Use(callerMiddleware())

	// Rate limiting, keyed by caller when present
	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = s.cfg.RateLimitBurst
		s.limiter = ratelimit.New(rl)
		s.router.Use(s.limiter.Middleware(escrow.CallerKey))
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

// callerMiddleware copies the caller header into the gin context key the
// handlers read, and into the request logger.
func callerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if caller := strings.TrimSpace(c.GetHeader(CallerHeader)); caller != "" {
			if !validation.IsValidIdentity(caller) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_caller",
					"message": CallerHeader + " must be a printable identity without whitespace",
				})
				return
			}
			c.Set(escrow.CallerKey, caller)
			c.Request = c.Request.WithContext(logging.WithCaller(c.Request.Context(), caller))
		}
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
			logger.Debug("request completed",
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

	v1 := s.router.Group("/v1", validation.PartyParamMiddleware())
	v1.GET("/info", s.infoHandler)
	v1.GET("/events", s.eventsHandler)
	v1.GET("/events/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledger, s.cfg.AdminAddr, escrow.CallerKey)
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterProtectedRoutes(v1)

	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)
	receipts.NewHandler(s.receipts).RegisterRoutes(v1)

	webhooks.NewHandler(s.webhookStore).RegisterProtectedRoutes(v1)
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
	height, err := s.clock.Height(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "clock_unavailable",
			"message": "Height source unavailable",
		})
		return
	}
	d := s.escrowService.Deadline()
	c.JSON(http.StatusOK, gin.H{
		"name":      "escrowd",
		"version":   Version,
		"admin":     s.escrowService.Admin(),
		"custodian": s.ledger.Custodian(),
		"height":    height,
		"deadline": gin.H{
			"defaultLifetime": d.DefaultLifetime,
			"minLifetime":     d.MinLifetime,
			"maxLifetime":     d.MaxLifetime,
			"maxExtension":    d.MaxExtension,
		},
		"realtime": s.realtimeHub.Stats(),
	})
}

// eventsHandler handles GET /v1/events?transaction_id=1 or ?party=alice&limit=50
func (s *Server) eventsHandler(c *gin.Context) {
	if raw := c.Query("transaction_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "transaction_id must be a positive integer",
			})
			return
		}
		evts := s.recorder.ForTransaction(id)
		c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if party := c.Query("party"); party != "" {
		evts := s.recorder.ForParty(party, limit)
		c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
		return
	}
	evts := s.recorder.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start conservation audit timer
	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
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
		cancel()
		s.closeResources()
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

	// Cancel the context for all background goroutines (hub, timers)
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

	s.reconcileTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	if s.limiter != nil {
		s.limiter.Stop()
	}

	// Let queued webhook deliveries finish
	s.webhooks.Wait()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return nil
}

// closeResources releases connections and stores. Safe to call on a
// partially constructed server.
func (s *Server) closeResources() {
	if s.amqpSink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.amqpSink.Close(ctx)
		cancel()
		if err != nil {
			s.logger.Error("event broker close error", "error", err)
		}
	}
	if s.chainClock != nil {
		s.chainClock.Close()
	}
	if s.levelStore != nil {
		if err := s.levelStore.Close(); err != nil {
			s.logger.Error("leveldb close error", "error", err)
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
