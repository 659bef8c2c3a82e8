package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"precalc-backend/cmd"
	"precalc-backend/internal/api"
	"precalc-backend/internal/config"
	"precalc-backend/internal/core/metadata"
	"precalc-backend/internal/core/pipeline"
	"precalc-backend/internal/database"
	"precalc-backend/internal/messaging"
	"precalc-backend/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "precalc.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase("sqlite://" + path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return db
}

func createServer(cfg config.Config, service *api.BackendService) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		service.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.APIPort),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	cfg := cmd.MustLoadConfig()
	ctx := context.Background()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.LocalDataDir, os.ModePerm); err != nil {
		log.Fatalf("error creating data directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.LocalDataDir, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting local backend", "data_dir", cfg.LocalDataDir, "port", cfg.APIPort, "cache_backend", cfg.CacheBackend)

	db := createDatabase(cfg.LocalDataDir)

	blobs, err := storage.NewLocalProvider(filepath.Join(cfg.LocalDataDir, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}
	if err := blobs.CreateBucket(ctx, cfg.Bucket); err != nil {
		log.Fatalf("Failed to create bucket %s: %v", cfg.Bucket, err)
	}

	registry := cmd.LoadModelRegistry(cfg)
	predictionCache := cmd.CreatePredictionCache(ctx, cfg, db)
	tracker := metadata.NewTracker(blobs, predictionCache, cfg.Bucket)

	queue := messaging.NewInMemoryQueue()

	runner, executors := cmd.CreateShardRunner(cfg, registry, blobs, predictionCache)
	defer executors.Close()

	worker := pipeline.NewTaskProcessor(db, runner, tracker, queue)

	coordinator := pipeline.NewCoordinator(db, registry, tracker, queue)

	service := api.NewBackendService(
		cmd.CreateRequestService(cfg, db, predictionCache, blobs),
		tracker,
		coordinator,
		registry,
	)
	server := createServer(cfg, service)

	slog.Info("starting worker")
	go worker.Start()

	// Shards of runs interrupted by the last shutdown are picked up again once
	// the worker is consuming.
	go func() {
		if _, err := coordinator.RequeueUnfinished(ctx); err != nil {
			slog.Error("error requeueing unfinished shards", "error", err)
		}
	}()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	slog.Info("server stopped")
}
