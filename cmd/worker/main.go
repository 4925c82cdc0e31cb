package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/zairovarsen/telegram-bot/internal/config"
	"github.com/zairovarsen/telegram-bot/internal/database"
	"github.com/zairovarsen/telegram-bot/internal/events"
	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

// The worker drains the usage event queue into the durable ledger so
// billing questions can be answered without touching the hot path.
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

	// Initialize queue
	q, err := events.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	handler := func(event *models.UsageEvent) error {
		if err := repo.CreateUsageEvent(ctx, event); err != nil {
			logger.WithUserID(event.UserID).ErrorWithErr("Failed to persist usage event", err)
			return err
		}

		// Commit failures are the events an operator reconciles by hand.
		if event.Outcome == models.UsageOutcomeCommitFailed {
			logger.LogReconciliationAlert(event.UserID, event.Kind, event.ActualCost, nil)
		}

		return nil
	}

	logger.Info("Worker started, waiting for usage events...")
	if err := q.ConsumeUsage(ctx, handler); err != nil {
		logger.Fatalf("Failed to consume usage events: %v", err)
	}

	<-ctx.Done()
	logger.Info("Worker stopped")
}
