package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"plant-diagnosis-pipeline/config"
	"plant-diagnosis-pipeline/database"
	"plant-diagnosis-pipeline/gemini"
	"plant-diagnosis-pipeline/handlers"
	"plant-diagnosis-pipeline/llm"
	"plant-diagnosis-pipeline/metrics"
	"plant-diagnosis-pipeline/openai"
	"plant-diagnosis-pipeline/service"
	"plant-diagnosis-pipeline/storage"
	"plant-diagnosis-pipeline/store"
	"plant-diagnosis-pipeline/stubllm"
)

func main() {
	// Local development convenience; in deployment the env comes from the
	// platform.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	metrics.Register()

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.CreateTables(); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	// Initialize object storage
	objects, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	recordStore := store.New(db, objects)

	var client llm.Client
	switch cfg.LLMProvider {
	case "gemini":
		client = gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel)
	case "openai":
		client = openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	default:
		client = stubllm.NewClient()
	}
	log.Infof("Diagnosis provider=%s deadline=%s", client.SourceName(), cfg.RunDeadline)

	diagnosisService := service.NewService(cfg, recordStore, client)
	httpHandlers := handlers.NewHandlers(db, diagnosisService)

	router := gin.Default()
	httpHandlers.Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}
