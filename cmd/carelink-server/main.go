package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink/internal/config"
	"github.com/carelink/carelink/internal/domain/attribute"
	"github.com/carelink/carelink/internal/domain/bundle"
	"github.com/carelink/carelink/internal/domain/careplan"
	"github.com/carelink/carelink/internal/domain/provider"
	"github.com/carelink/carelink/internal/domain/recommendation"
	"github.com/carelink/carelink/internal/domain/rules"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/db"
	"github.com/carelink/carelink/internal/platform/metrics"
	"github.com/carelink/carelink/internal/platform/middleware"
	"github.com/carelink/carelink/internal/platform/stream"
	"github.com/carelink/carelink/internal/platform/validation"
)

const version = "0.3.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "carelink-server",
		Short:        "Care bundle recommendation and provider matching service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(rankCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// weightsFromConfig maps the MATCH_* settings onto provider weights.
func weightsFromConfig(cfg *config.Config) provider.Weights {
	return provider.Weights{
		Quality:         cfg.MatchWeightQuality,
		Acceptance:      cfg.MatchWeightAcceptance,
		Completion:      cfg.MatchWeightCompletion,
		Headroom:        cfg.MatchWeightHeadroom,
		Rate:            cfg.MatchWeightRate,
		CapabilityBonus: cfg.MatchCapabilityBonus,
	}
}

func schemaFromConfig(cfg *config.Config) (attribute.Schema, error) {
	schema, err := attribute.DefaultSchema().WithSpec(cfg.AttributeExtraFields)
	if err != nil {
		return attribute.Schema{}, fmt.Errorf("ATTRIBUTE_EXTRA_FIELDS: %w", err)
	}
	return schema, nil
}

// newLedger picks the capacity ledger named by CAPACITY_LEDGER. The redis
// client, when one is needed, is shared with the learning stream.
func newLedger(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client) (provider.Ledger, error) {
	switch cfg.CapacityLedger {
	case config.LedgerMemory:
		return provider.NewMemoryLedger(), nil
	case config.LedgerRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis ledger needs REDIS_URL")
		}
		return provider.NewRedisLedger(rdb, cfg.CapacityMaxRetries), nil
	case config.LedgerPostgres:
		return provider.NewPGLedger(pool), nil
	}
	return nil, fmt.Errorf("unknown capacity ledger %q", cfg.CapacityLedger)
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg, os.Stdout)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = stream.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	schema, err := schemaFromConfig(cfg)
	if err != nil {
		return err
	}
	ledger, err := newLedger(cfg, pool, rdb)
	if err != nil {
		return err
	}
	providerMatcher, err := provider.NewMatcher(weightsFromConfig(cfg), cfg.MatchParallelThreshold)
	if err != nil {
		return err
	}

	var exporter recommendation.Exporter
	if cfg.LearningStream != "" {
		exporter = recommendation.NewStreamExporter(stream.NewPublisher(rdb, cfg.LearningStream, cfg.LearningStreamMax))
		logger.Info().Str("stream", cfg.LearningStream).Msg("learning-loop export enabled")
	}
	recLogger := recommendation.NewLogger(recommendation.NewRepoPG(pool), exporter, logger)

	bundleSvc := bundle.NewService(
		bundle.NewRepoPG(pool),
		bundle.NewMatcher(rules.NewEvaluator(cfg.RuleMaxDepth), cfg.MatchParallelThreshold),
		recLogger, schema, cfg.RuleMaxDepth, logger,
	)
	providerSvc := provider.NewService(provider.NewRepoPG(pool), providerMatcher, ledger, recLogger, logger)
	runTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.InTx(ctx, pool, fn)
	}
	careplanSvc := careplan.NewService(careplan.NewRepoPG(pool), bundleSvc, recLogger, runTx, logger)

	e := newEcho(cfg, logger)
	e.GET("/health/db", db.HealthHandler(pool))

	api := e.Group("/api/v1")
	bundle.NewHandler(bundleSvc).RegisterRoutes(api)
	provider.NewHandler(providerSvc).RegisterRoutes(api)
	recommendation.NewHandler(recLogger).RegisterRoutes(api)
	careplan.NewHandler(careplanSvc).RegisterRoutes(api)

	logger.Info().
		Str("auth_mode", cfg.ResolvedAuthMode()).
		Str("capacity_ledger", cfg.CapacityLedger).
		Int("rule_max_depth", cfg.RuleMaxDepth).
		Msg("services ready")

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware chain, auth, health and
// metrics. Domain routes are registered by the caller.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "4M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	switch cfg.ResolvedAuthMode() {
	case config.AuthDevelopment:
		e.Use(auth.DevAuthMiddleware())
	case config.AuthJWKS:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// After auth so the line carries the user.
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", metrics.Handler())
	return e
}
