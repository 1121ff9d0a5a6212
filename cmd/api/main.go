package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipforge/renderbridge/internal/api"
	"github.com/clipforge/renderbridge/internal/config"
	"github.com/clipforge/renderbridge/internal/db"
	"github.com/clipforge/renderbridge/internal/ledger"
	"github.com/clipforge/renderbridge/internal/payments"
	"github.com/clipforge/renderbridge/internal/queue"
	"github.com/clipforge/renderbridge/internal/renderer"
	"github.com/clipforge/renderbridge/internal/storage"
	"github.com/clipforge/renderbridge/internal/submit"
	"github.com/clipforge/renderbridge/internal/sweep"
	"github.com/clipforge/renderbridge/internal/transfer"
	"github.com/clipforge/renderbridge/internal/worker"
)

func main() {
	log.Println("Starting Render Bridge API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize clients
	stor := storage.New(cfg.StorageEndpoint, cfg.StorageAccessToken, cfg.StorageBucket, cfg.StoragePrefix)
	engine := renderer.New(cfg.RenderAPIURL, cfg.RenderAPIKey)
	log.Printf("Render engine: %s, storage bucket: %s", cfg.RenderAPIURL, cfg.StorageBucket)

	// Core services
	lg := ledger.New(database)
	sub := submit.New(database, lg, q)
	pay := payments.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, lg)
	sweeper := sweep.New(
		database, stor,
		time.Duration(cfg.SyncLookbackDays)*24*time.Hour,
		time.Duration(cfg.RetentionDays)*24*time.Hour,
		time.Duration(cfg.CleanupDays)*24*time.Hour,
	)

	// Create API handler
	handler := api.NewHandler(database, q, lg, sub, pay, sweeper)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker and sweeps if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		machine := transfer.New(database, engine, stor)
		w := worker.New(database, q, engine, lg, machine)

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
		go sweeper.Run(workerCtx,
			time.Duration(cfg.SweepIntervalMins)*time.Minute,
			time.Hour,
		)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker and sweeps
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
