package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/config"
	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/domain/diagnosis"
	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/auth"
	"github.com/ehr/clinwatch/internal/platform/changefeed"
	"github.com/ehr/clinwatch/internal/platform/db"
	"github.com/ehr/clinwatch/internal/platform/metrics"
	"github.com/ehr/clinwatch/internal/platform/middleware"
	"github.com/ehr/clinwatch/internal/platform/websocket"
)

const version = "0.1.0"

func runServer(migrationsDir string) error {
	cfg, err := loadDatabaseConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")
	warnPendingMigrations(ctx, pool, migrationsDir, logger)

	comps, err := buildComponents(cfg, pgStores(pool), logger)
	if err != nil {
		return err
	}
	comps.dispatcher.Start(ctx)
	defer comps.dispatcher.Close()

	// Change feed
	sub, closeSub, err := buildSubscriber(cfg)
	if err != nil {
		return err
	}
	defer closeSub()
	listener := changefeed.NewListener(sub, comps.processor.Handle, logger.With().Str("component", "listener").Logger())
	listener.SetBackoff(cfg.ListenerBackoffBase, cfg.ListenerBackoffMax)
	listener.OnReconnect(func(ctx context.Context) {
		if _, err := comps.reconciler.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("post-reconnect reconciliation failed")
		}
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = listener.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		comps.reconciler.Run(ctx, cfg.ReconcileInterval)
	}()
	go func() {
		defer wg.Done()
		comps.sweeper.Run(ctx, cfg.ExpirySweepInterval)
	}()

	health := db.HealthHandler(pool, map[string]db.HealthCheck{"change_feed": listener.CheckHealth})
	e := newEcho(cfg, comps, health, logger)

	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("event_source", cfg.EventSource).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error().Err(err).Msg("server error")
		stop()
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	wg.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func buildSubscriber(cfg *config.Config) (changefeed.Subscriber, func(), error) {
	switch cfg.EventSource {
	case "eventstore":
		sub, err := changefeed.NewESDBSubscriber(cfg.EventStoreURL, cfg.NotifyChannels)
		if err != nil {
			return nil, nil, fmt.Errorf("eventstore subscriber: %w", err)
		}
		return sub, func() { _ = sub.Close() }, nil
	default:
		return changefeed.NewPGSubscriber(cfg.DatabaseURL, cfg.NotifyChannels), func() {}, nil
	}
}

func warnPendingMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, logger zerolog.Logger) {
	statuses, err := db.NewMigrator(pool, dir, "").Status(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not read migration status")
		return
	}
	pending := 0
	for _, s := range statuses {
		if !s.Applied {
			pending++
		}
	}
	if pending > 0 {
		logger.Warn().Int("pending", pending).Msg("database has pending migrations; run `clinwatch migrate up`")
	}
}

// newEcho builds the HTTP surface: infrastructure endpoints at the root and
// the reviewer API under /api/v1.
func newEcho(cfg *config.Config, comps *components, health echo.HandlerFunc, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(metrics.EchoMiddleware())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.Audit(logger))

	actionqueue.NewHandler(comps.actions).RegisterRoutes(apiV1)
	diagnosis.NewHandler(comps.review).RegisterRoutes(apiV1)
	risk.NewHandler(comps.risk).RegisterRoutes(apiV1)
	websocket.NewHandler(comps.hub, cfg.CORSOrigins, logger.With().Str("component", "livefeed").Logger()).RegisterRoutes(apiV1)

	return e
}
