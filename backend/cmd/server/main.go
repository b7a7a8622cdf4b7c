package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"convograph/backend/internal/adapter"
	"convograph/backend/internal/api"
	"convograph/backend/internal/bootstrap"
	"convograph/backend/internal/classifier"
	"convograph/backend/internal/ingest"
	"convograph/backend/internal/metrics"
	"convograph/backend/internal/pipeline"
	"convograph/backend/internal/projection"
	"convograph/backend/internal/realtime"
	"convograph/backend/pkg/config"
	"convograph/backend/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting convograph server...", zap.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Entity store
	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open entity store", zap.Error(err))
	}
	defer st.Close(context.Background())

	// Extraction
	var gen classifier.Generator
	if cfg.ClassifierMode == config.ClassifierModeLLM {
		gen = adapter.NewLLMAdapter(cfg.LiteLLMURL, cfg.OpenRouterAPIKey, cfg.ModelID)
	}
	topicClassifier := classifier.New(cfg.ClassifierMode, st, gen, cfg.MaxTopicsPerMessage)
	pipe := pipeline.New(st, topicClassifier)
	projector := projection.New(st)
	collector := metrics.NewCollector("convograph")

	// Realtime fan-out
	hub := realtime.NewHub(projector.BuildFullGraph, cfg.SubscriberBuffer, collector)
	var bus realtime.Bus
	if cfg.RedisAddr != "" {
		redisBus, err := realtime.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		bus = redisBus
	}
	broadcaster := realtime.NewBroadcaster(hub, bus)
	if err := broadcaster.Start(ctx); err != nil {
		log.Fatal("Failed to start broadcaster", zap.Error(err))
	}

	svc := ingest.NewService(st, pipe, projector, broadcaster, ingest.Options{
		AllowedSources: cfg.AllowedSources,
		SeedPersonName: cfg.SeedPersonName,
		HistoryLimit:   cfg.HistoryLimit,
		Metrics:        collector,
	})

	router := api.NewRouter(ctx, svc, hub, api.Options{
		Release:          cfg.IsProduction(),
		SubscriberBuffer: cfg.SubscriberBuffer,
		Metrics:          collector,
		Logger:           log,
	})

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("classifier", cfg.ClassifierMode),
		zap.Bool("redis", bus != nil),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Subscribers go first so hijacked websocket connections do not hold up shutdown
	broadcaster.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}
