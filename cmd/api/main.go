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

	"github.com/marek/upcycle/internal/api"
	"github.com/marek/upcycle/internal/config"
	"github.com/marek/upcycle/internal/logger"
	"github.com/marek/upcycle/internal/repository"
	"github.com/marek/upcycle/internal/service"
	"github.com/marek/upcycle/internal/vector"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize repositories
	projectRepo := repository.NewProjectRepository(db)
	cacheRepo := repository.NewPromptCacheRepository(db)
	historyRepo := repository.NewPromptHistoryRepository(db)

	// Initialize vector index
	index, err := vector.New(&cfg.Index)
	if err != nil {
		appLogger.Fatalf("Failed to create vector index: %v", err)
	}
	defer index.Close()

	ctx := context.Background()
	if err := index.Initialize(ctx); err != nil {
		appLogger.Fatalf("Failed to initialize vector index: %v", err)
	}
	if count, err := index.Count(ctx); err == nil {
		appLogger.Infof("Vector index ready (backend=%s, vectors=%d)", cfg.Index.Backend, count)
	}

	// Initialize services
	embeddingService := service.NewEmbeddingService(&cfg.Embedding)
	llmClient := service.NewLLMClient(&cfg.LLM, appLogger)

	genService := service.NewGenerationService(
		&cfg.Generate,
		&cfg.LLM,
		projectRepo,
		cacheRepo,
		historyRepo,
		embeddingService,
		llmClient,
		index,
	)

	// Setup router
	router := api.SetupRouter(cfg, appLogger, genService, projectRepo, historyRepo, index)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.Infof("Starting API server on port %d (mode=%s)", cfg.Server.Port, cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}

	// Persist index state before exit
	if err := index.Save(shutdownCtx); err != nil {
		appLogger.Errorf("Failed to save vector index on shutdown: %v", err)
	}

	appLogger.Info("Server exited")
}
