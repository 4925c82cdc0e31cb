package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zairovarsen/telegram-bot/internal/cache"
	"github.com/zairovarsen/telegram-bot/internal/config"
	"github.com/zairovarsen/telegram-bot/internal/database"
	"github.com/zairovarsen/telegram-bot/internal/events"
	"github.com/zairovarsen/telegram-bot/internal/lock"
	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/internal/metrics"
	"github.com/zairovarsen/telegram-bot/internal/middleware"
	"github.com/zairovarsen/telegram-bot/internal/provider"
	"github.com/zairovarsen/telegram-bot/internal/quota"
	"github.com/zairovarsen/telegram-bot/internal/ratelimit"
	"github.com/zairovarsen/telegram-bot/internal/reconcile"
	"github.com/zairovarsen/telegram-bot/internal/storage"
	"github.com/zairovarsen/telegram-bot/internal/telegram"
	"github.com/zairovarsen/telegram-bot/internal/tracing"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Initialize tracing
	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.ErrorWithErr("Failed to initialize tracer, continuing without tracing", err)
		} else {
			defer closer.Close()
		}
	}

	// Initialize JWT secret for the admin API
	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Fatalf("Failed to ensure schema: %v", err)
	}

	repo := database.NewRepository(db)

	// Initialize cache
	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	// Usage event queue is optional; the engine skips publishing when
	// it is absent.
	var publisher quota.EventPublisher
	if q, err := events.New(cfg.Queue); err != nil {
		logger.ErrorWithErr("Usage event queue unavailable, events will not be published", err)
	} else {
		publisher = q
		defer q.Close()
	}

	// Object storage is optional; media archival is skipped without it.
	var media *storage.Storage
	if s, err := storage.New(cfg.Storage); err != nil {
		logger.ErrorWithErr("Object storage unavailable, media archival disabled", err)
	} else {
		media = s
	}

	// Wire the quota core
	locks := lock.NewManager(redisCache, logger, cfg.Quota.LockRetryDelay, cfg.Quota.LockMaxAttempts)
	limiter := ratelimit.New(redisCache, logger, cfg.RateLimit)
	estimator := quota.NewEstimator(cfg.Quota)
	engine := quota.NewEngine(redisCache, repo, locks, publisher, logger, cfg.Quota.LockTTL)
	applier := quota.NewApplier(redisCache, repo, locks, logger, cfg.Quota.LockTTL)
	ai := provider.NewOpenAI(cfg.OpenAI)

	// Background cache drift repair. Its locker gives up after one
	// attempt so busy users are skipped, not waited on.
	sweepLocks := lock.NewManager(redisCache, logger, 10*time.Millisecond, 1)
	sweeper := reconcile.NewSweeper(repo, redisCache, sweepLocks, logger, 10*time.Minute)
	sweeper.Start()
	defer sweeper.Stop()

	// Telegram bot
	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatalf("Failed to create Telegram client: %v", err)
	}
	api.Debug = cfg.Telegram.Debug

	bot := telegram.NewBot(api, cfg.Telegram, cfg.Quota, logger, repo, engine, estimator, applier, limiter, ai, media)

	// Metrics server
	metricsServer := metrics.NewServer(cfg.Server.MetricsPort)
	go func() {
		logger.Infof("Starting metrics server on :%d", cfg.Server.MetricsPort)
		if err := metricsServer.Start(); err != nil {
			logger.ErrorWithErr("Metrics server failed", err)
		}
	}()

	// Admin API server
	ops := &opsAPI{repo: repo, cache: redisCache, engine: engine, applier: applier, log: logger}
	router := setupRouter(ops, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting admin API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Run the bot until interrupted
	go func() {
		if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorWithErr("Bot stopped", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Admin API shutdown failed", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Metrics server shutdown failed", err)
	}

	// Give in-flight Telegram handlers a moment to finish
	time.Sleep(time.Second)
	logger.Info("Stopped")
}
