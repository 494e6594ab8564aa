package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ehr/dashboard/internal/config"
	"github.com/ehr/dashboard/internal/domain/identity"
	"github.com/ehr/dashboard/internal/domain/scheduling"
	"github.com/ehr/dashboard/internal/platform/db"
	"github.com/ehr/dashboard/internal/platform/events"
	"github.com/ehr/dashboard/internal/platform/middleware"
	"github.com/ehr/dashboard/internal/platform/session"
	"github.com/ehr/dashboard/internal/platform/telemetry"
	"github.com/ehr/dashboard/internal/platform/upstream"
)

// server holds everything the HTTP surface needs. pool is nil when the
// decision journal is disabled.
type server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	client     *upstream.Client
	store      session.Store
	signer     *session.Signer
	telemetry  *telemetry.Provider
	pool       *pgxpool.Pool
	scheduling *scheduling.Service
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = logger.With().Str("env", cfg.Env).Logger()

	ctx := context.Background()

	// Telemetry
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "dashboard-server",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up telemetry")
	}
	provider, err := telemetry.NewProvider(otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create instruments")
	}

	client := upstream.NewClient(upstreamConfig(cfg), logger)

	// Sessions
	var store session.Store
	switch cfg.SessionBackend() {
	case "redis":
		rdb, err := session.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		store = session.NewRedisStore(rdb)
	default:
		store = session.NewMemoryStore(cfg.SessionCacheSize, 24*time.Hour)
	}
	logger.Info().Str("backend", cfg.SessionBackend()).Msg("session store ready")

	opts := []scheduling.Option{scheduling.WithMetrics(provider)}

	// Decision journal
	var pool *pgxpool.Pool
	if cfg.JournalEnabled() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		applied, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate decision journal")
		}
		logger.Info().Int("applied", applied).Msg("decision journal ready")
		opts = append(opts, scheduling.WithJournal(scheduling.NewDecisionRepoPG(pool)))
	}

	// Change events
	if cfg.EventsEnabled() {
		pub, err := events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
		}
		defer pub.Close()
		opts = append(opts, scheduling.WithPublisher(pub))
		logger.Info().Str("exchange", cfg.RabbitMQExchange).Msg("publishing appointment changes")
	}

	srv := &server{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		store:      store,
		signer:     session.NewSigner(cfg.SessionSecret, cfg.IsProduction()),
		telemetry:  provider,
		pool:       pool,
		scheduling: scheduling.NewService(client, logger, opts...),
	}
	e := srv.echo()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("upstream", cfg.UpstreamBaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// echo builds the router with the full middleware chain and every route.
func (s *server) echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(s.logger)

	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(s.telemetry.TracingMiddleware())
	e.Use(s.telemetry.MetricsMiddleware())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.SecurityHeaders(s.cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(s.cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": s.cfg.Version,
		})
	})
	if s.pool != nil {
		e.GET("/health/db", db.HealthHandler(s.pool))
	}

	limit := middleware.DefaultRateLimitConfig()
	if s.cfg.RateLimitRPS > 0 {
		limit.RequestsPerSecond = s.cfg.RateLimitRPS
	}
	if s.cfg.RateLimitBurst > 0 {
		limit.BurstSize = s.cfg.RateLimitBurst
	}
	rl := middleware.RateLimit(limit)

	authGroup := e.Group("/api/auth", rl)
	session.NewHandler(s.store, s.signer, s.client, s.cfg.SessionTTL, s.logger).RegisterRoutes(authGroup)

	api := e.Group("/api", rl, session.Middleware(s.store, s.signer, s.logger))
	scheduling.NewHandler(s.scheduling).RegisterRoutes(api)
	identity.NewHandler(identity.NewService(s.client, s.logger)).RegisterRoutes(api)

	return e
}
