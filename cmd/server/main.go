package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/upsetiq/upsetiq/internal/api"
	"github.com/upsetiq/upsetiq/internal/api/middleware"
	"github.com/upsetiq/upsetiq/internal/pipeline"
	"github.com/upsetiq/upsetiq/internal/providers"
	"github.com/upsetiq/upsetiq/internal/services"
	"github.com/upsetiq/upsetiq/pkg/config"
	"github.com/upsetiq/upsetiq/pkg/database"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Setup logging
	if cfg.IsDevelopment() {
		logrus.SetLevel(logrus.DebugLevel)
		gin.SetMode(gin.DebugMode)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logrus.StandardLogger()

	// Connect to database
	db, err := database.NewConnection(cfg.DatabaseURL, database.PoolOptions{
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, cfg.IsDevelopment())
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Response cache
	cache, cleanup, err := buildCache(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cleanup()

	// WebSocket hub, the primary alert delivery sink
	hub := services.NewWebSocketHub()
	go hub.Run()

	// Data providers
	schedule, odds, injuries, sentiment := buildProviders(cfg, logger)

	// Pipeline stages
	snapshots := pipeline.NewSnapshotStore(db)
	builder := pipeline.NewFeatureBuilder(db, snapshots, pipeline.FreshnessWindows{
		Odds:      cfg.OddsFreshness,
		Injury:    cfg.InjuryFreshness,
		Sentiment: cfg.SentimentFreshness,
		Schedule:  cfg.ScheduleFreshness,
	}, logger)
	scorer := pipeline.NewScorer(pipeline.ScorerWeights{
		Market:      cfg.MarketWeight,
		Injury:      cfg.InjuryWeight,
		Sentiment:   cfg.SentimentWeight,
		Form:        cfg.FormWeight,
		Situational: cfg.SituationalWeight,
		DriverMin:   cfg.DriverMinWeight,
	}, cfg.ModelVersion)
	engine := pipeline.NewAlertEngine(db, buildChannels(cfg, hub, logger), pipeline.AlertPolicy{
		HighUPSCutoff: cfg.HighUPSCutoff,
		MaxRetries:    cfg.AlertMaxRetries,
		BackoffBase:   cfg.AlertBackoffBase,
		TTL:           cfg.AlertTTL,
		BatchSize:     cfg.AlertBatchSize,
	}, logger)

	pipe := pipeline.NewPipeline(db, cfg, snapshots, builder, scorer, engine, schedule, odds, injuries, sentiment, logger)

	scheduler := pipeline.NewScheduler(db, logger, cfg.JobMaxDuration)
	if err := pipe.RegisterAll(scheduler); err != nil {
		logrus.Fatalf("Failed to register pipeline jobs: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SetupCORS(cfg.CorsOrigins))

	apiV1 := router.Group("/api/v1")
	api.SetupRoutes(apiV1, db, cache, hub, scheduler, cfg, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}

// buildCache returns the configured cache backend. Redis is the production
// default; the in-process backend keeps development runnable without one.
func buildCache(cfg *config.Config) (services.Cache, func(), error) {
	if cfg.CacheBackend != "redis" {
		return services.NewMemoryCache(), func() {}, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return services.NewRedisCache(client), func() { client.Close() }, nil
}

// buildProviders wires either the live provider clients or the deterministic
// fixture slate, which needs no API keys.
func buildProviders(cfg *config.Config, logger *logrus.Logger) (providers.ScheduleProvider, providers.OddsProvider, providers.InjuryProvider, providers.SentimentProvider) {
	if cfg.DataProvider != "live" {
		fixture := providers.NewFixtureProvider()
		return fixture, fixture, fixture, fixture
	}

	opts := providers.ClientOptions{
		Timeout:          cfg.ExternalAPITimeout,
		RequestsPerMin:   cfg.ProviderRateLimit,
		BreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	sportsData := providers.NewSportsDataIOClient(cfg.SportsDataAPIKey, opts, logger)
	theOdds := providers.NewTheOddsAPIClient(cfg.OddsAPIKey, opts, logger)
	reddit := providers.NewRedditSentimentClient(cfg.RedditUserAgent, opts, logger)

	return sportsData, theOdds, sportsData, reddit
}

// buildChannels assembles the delivery channels in preference order.
func buildChannels(cfg *config.Config, hub *services.WebSocketHub, logger *logrus.Logger) []services.DeliveryChannel {
	channels := []services.DeliveryChannel{
		services.NewWebSocketChannel(hub),
		services.NewPushChannel(cfg.PushWebhookURL, cfg.ExternalAPITimeout, logger),
	}

	if cfg.SMSProvider == "twilio" && cfg.TwilioAccountSID != "" {
		channels = append(channels, services.NewSMSChannel(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger))
	}

	return channels
}
