package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"precalc-backend/cmd"
	"precalc-backend/internal/core/metadata"
	"precalc-backend/internal/core/pipeline"
	"precalc-backend/internal/database"
	"precalc-backend/internal/messaging"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg := cmd.MustLoadConfig()
	ctx := context.Background()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	registry := cmd.LoadModelRegistry(cfg)
	blobs := cmd.CreateS3Provider(ctx, cfg)
	predictionCache := cmd.CreatePredictionCache(ctx, cfg, db)
	tracker := metadata.NewTracker(blobs, predictionCache, cfg.Bucket)

	runner, executors := cmd.CreateShardRunner(cfg, registry, blobs, predictionCache)
	defer executors.Close()

	concurrency := max(cfg.WorkerConcurrency, 1)

	// one consumer per processor, each consumer has a prefetch of one shard
	processors := make([]*pipeline.TaskProcessor, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}

		processor := pipeline.NewTaskProcessor(db, runner, tracker, receiver)
		processors = append(processors, processor)
		go processor.Start()
	}

	log.Printf("Worker started with %d processors. Waiting for tasks. Press Ctrl+C to exit.", concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping consumers...")

	// unacknowledged shards are redelivered to another worker
	for _, processor := range processors {
		processor.Stop()
	}

	log.Println("Worker process stopped.")
}
