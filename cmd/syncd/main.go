package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hivemail/syncd/internal/config"
	"github.com/hivemail/syncd/internal/database"
	"github.com/hivemail/syncd/internal/dispatch"
	"github.com/hivemail/syncd/internal/events"
	"github.com/hivemail/syncd/internal/httpapi"
	"github.com/hivemail/syncd/internal/janitor"
	"github.com/hivemail/syncd/internal/queue"
	"github.com/hivemail/syncd/internal/repository"
	"github.com/hivemail/syncd/internal/scheduler"
	"github.com/hivemail/syncd/internal/syncer"
	"github.com/hivemail/syncd/internal/token"
	"github.com/hivemail/syncd/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Println("Database connected successfully")

	// Run migrations
	log.Println("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	log.Println("Migrations completed successfully")

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db.Gorm)
	jobRepo := repository.NewSyncJobRepository(db.Raw)
	subscriptionRepo := repository.NewWebhookSubscriptionRepository(db.Gorm)

	// Token provider
	tokens := token.NewProvider(accountRepo,
		cfg.GoogleClientID, cfg.GoogleClientSecret,
		cfg.MicrosoftClientID, cfg.MicrosoftSecret, cfg.MicrosoftTenantID)

	// Optional event publisher for downstream consumers
	var pub queue.Publisher
	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(); err != nil {
			return err
		}
		pub = publisher
		log.Println("NATS event publishing enabled")
	}

	// Work queue and scheduler
	workQueue := queue.New(jobRepo, pub)
	sched := scheduler.New(accountRepo, workQueue,
		time.Duration(cfg.SchedulerIntervalMin)*time.Minute,
		time.Duration(cfg.SyncIntervalMin)*time.Minute,
		cfg.BatchSize)

	// Webhook registry with one strategy per provider kind
	registry := webhook.NewRegistry(tokens, subscriptionRepo, accountRepo,
		webhook.NewGoogleStrategy(cfg.PubSubTopic, cfg.WebhookBaseURL, cfg.WebhookSecret),
		webhook.NewMicrosoftStrategy(cfg.WebhookBaseURL, cfg.WebhookSecret),
		webhook.NewPollingStrategy())

	// Notification dispatcher and lifecycle janitor
	dispatcher := dispatch.NewDispatcher(registry, workQueue, cfg.WebhookSecret)
	jan := janitor.NewJanitor(registry, accountRepo, workQueue, subscriptionRepo)

	// Worker pool draining the queue lanes
	pool := queue.NewWorkerPool(workQueue, syncer.NewRunner(tokens, accountRepo), nil)

	// HTTP ops surface + provider notification receivers
	server := httpapi.NewServer(cfg.HTTPAddr, sched, workQueue, registry, jan, dispatcher)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			errChan <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		jan.Start(ctx)
	}()

	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or fatal error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
	case err := <-errChan:
		cancel()
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout exceeded")
	case <-done:
	}

	log.Println("Application stopped")
	return nil
}
