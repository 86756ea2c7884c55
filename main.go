package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"carprice/config"
	"carprice/db"
	chttp "carprice/http"
	"carprice/logging"
	"carprice/monitoring"
	"carprice/pricing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 2. Open the registry and prediction log
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Fatal("create database dir", zap.Error(err))
	}
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer store.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		logger.Fatal("ping database", zap.Error(err))
	}
	pingCancel()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	// 3. Prediction feed: sqlite log, websocket broadcast, metrics
	hub := monitoring.NewHub(cfg.Server.AllowedOrigins, logger)
	go hub.Run()
	defer hub.Stop()

	feed, err := monitoring.NewPredictionFeed(cfg.Events.Buffer, store, hub, logger, logging.NewWatermillAdapter(logger))
	if err != nil {
		logger.Fatal("create prediction feed", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := feed.Run(ctx); err != nil {
			logger.Error("prediction feed stopped", zap.Error(err))
		}
	}()
	select {
	case <-feed.Running():
	case <-time.After(10 * time.Second):
		logger.Fatal("prediction feed did not start")
	}

	// 4. Load the model; failing here is fatal
	svc, err := pricing.NewFromConfig(ctx, cfg, store, feed, logger)
	if err != nil {
		logger.Fatal("load model", zap.String("model_uri", cfg.Model.URI), zap.Error(err))
	}

	// 5. Start HTTP server
	server := chttp.NewServer(cfg.Server, chttp.NewHandler(svc, store, logger), hub, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// 6. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	if err := feed.Close(); err != nil {
		logger.Warn("close prediction feed", zap.Error(err))
	}
	logger.Info("exiting")
}
