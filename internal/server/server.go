// Package server sets up the HTTP API and the bot, and runs them together
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/starboard-app/starboard/internal/config"
	"github.com/starboard-app/starboard/internal/health"
	"github.com/starboard-app/starboard/internal/idgen"
	"github.com/starboard-app/starboard/internal/initdata"
	"github.com/starboard-app/starboard/internal/ledger"
	"github.com/starboard-app/starboard/internal/logging"
	"github.com/starboard-app/starboard/internal/metrics"
	"github.com/starboard-app/starboard/internal/purchase"
	"github.com/starboard-app/starboard/internal/ratelimit"
	"github.com/starboard-app/starboard/internal/security"
	"github.com/starboard-app/starboard/internal/telegram"
	"github.com/starboard-app/starboard/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server, the bot and their shared dependencies
type Server struct {
	cfg       *config.Config
	version   string
	store     ledger.Store
	closer    io.Closer // closes the store's connection pool, nil for memory
	db        *sql.DB   // nil if using in-memory
	ledger    *ledger.Ledger
	purchases *purchase.Service
	invoices  purchase.InvoiceIssuer
	bot       *telegram.Client // nil when an issuer is injected
	health    *health.Registry
	limiters  []*ratelimit.Limiter
	router    *gin.Engine
	httpSrv   *http.Server
	logger    *slog.Logger

	// drainDelay gives load balancers time to stop sending traffic.
	drainDelay time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithStore uses store instead of opening one from the configuration
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithInvoiceIssuer replaces the bot as invoice issuer. No bot connection
// is made and no updates are polled.
func WithInvoiceIssuer(issuer purchase.InvoiceIssuer) Option {
	return func(s *Server) {
		s.invoices = issuer
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}
	s.ledger = ledger.New(s.store, s.logger)
	s.health.Register("ledger", health.PingChecker("ledger", s.ledger, 2*time.Second))

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}
	allowed, err := purchase.NewAllowList(cfg.AllowedAmounts...)
	if err != nil {
		return nil, fmt.Errorf("allowed amounts: %w", err)
	}
	validator := purchase.NewValidator(cfg.Currency, allowed)

	if s.invoices == nil {
		bot, err := telegram.NewClient(cfg.BotToken, s.logger)
		if err != nil {
			return nil, err
		}
		s.bot = bot
		s.invoices = bot
	}

	s.purchases = purchase.NewService(verifier, validator, s.invoices, s.ledger, purchase.Config{
		InvoiceTitle:       cfg.InvoiceTitle,
		InvoiceDescription: cfg.InvoiceDescription,
	}, s.logger)

	if s.bot != nil {
		s.bot.SetHandler(telegram.NewRouter(s.purchases, s.ledger, s.bot, telegram.Welcome{
			ButtonText: cfg.MiniAppButton,
			AppURL:     cfg.MiniAppURL,
		}, s.logger))
	}

	s.logger.Info("purchase flow configured",
		"currency", cfg.Currency,
		"allowed_amounts", allowed.Amounts(),
		"init_data_max_age", cfg.InitDataMaxAge.String(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStore picks Postgres, then SQLite, then memory.
func (s *Server) openStore(ctx context.Context) error {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.db, s.closer, s.store = db, db, ledger.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	case s.cfg.SQLitePath != "":
		store, err := ledger.NewSQLiteStore(ctx, s.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.db, s.closer, s.store = store.DB(), store, store
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)

	default:
		s.store = ledger.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	return nil
}

func newVerifier(cfg *config.Config) (*initdata.Verifier, error) {
	scheme, err := initdata.ParseScheme(cfg.InitDataScheme)
	if err != nil {
		return nil, err
	}
	return initdata.NewVerifier(cfg.BotToken,
		initdata.WithScheme(scheme, cfg.BotToken),
		initdata.WithMaxAge(cfg.InitDataMaxAge),
		initdata.WithAllowMissingAuthDate(cfg.InitDataAllowMissingAuthDate),
	), nil
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

// allowedOrigins derives CORS origins from the mini app URLs; none
// configured means any origin.
func allowedOrigins(cfg *config.Config) []string {
	var out []string
	for _, raw := range []string{cfg.MiniAppURL, cfg.WebAppURL} {
		u, err := url.Parse(raw)
		if raw == "" || err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Scheme+"://"+u.Host)
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.LOr(c.Request.Context(), s.logger).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(allowedOrigins(s.cfg)))
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestSize))

	general := ratelimit.New(ratelimit.DefaultConfig())
	s.limiters = append(s.limiters, general)
	s.router.Use(general.Middleware(ratelimit.ByClientIP))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.timeoutMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// timeoutMiddleware bounds the request context so slow storage or provider
// calls are cancelled.
func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.RequestTimeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
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

		logger := logging.LOr(c.Request.Context(), s.logger)

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

	api := s.router.Group("/api")

	invoices := ratelimit.New(ratelimit.InvoiceConfig())
	s.limiters = append(s.limiters, invoices)
	purchase.NewHandler(s.purchases, s.logger).
		RegisterRoutes(api.Group("", invoices.Middleware(ratelimit.ByClientIP)))

	ledger.NewHandler(s.ledger, s.purchases, s.logger).RegisterRoutes(api)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP, polls the bot and samples pool stats until ctx is
// cancelled, a shutdown signal arrives or a runner fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if s.bot != nil && s.cfg.BotPolling {
		g.Go(func() error {
			return s.bot.Start(gctx)
		})
	}

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown requested", "cause", context.Cause(gctx))
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	for _, l := range s.limiters {
		l.Stop()
	}

	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
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
