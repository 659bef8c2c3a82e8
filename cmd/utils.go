package cmd

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"precalc-backend/internal/config"
	"precalc-backend/internal/core/cache"
	"precalc-backend/internal/core/executor"
	"precalc-backend/internal/core/normalize"
	"precalc-backend/internal/core/pipeline"
	"precalc-backend/internal/core/requests"
	"precalc-backend/internal/storage"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func CreateS3Provider(ctx context.Context, cfg config.Config) *storage.S3Provider {
	s3p, err := storage.NewS3Provider(ctx, cfg.S3())
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}

	if err := s3p.CreateBucket(ctx, cfg.Bucket); err != nil {
		log.Fatalf("Failed to create bucket %s: %v", cfg.Bucket, err)
	}

	return s3p
}

// CreatePredictionCache opens the cache backend selected by CACHE_BACKEND.
func CreatePredictionCache(ctx context.Context, cfg config.Config, db *gorm.DB) storage.PredictionCache {
	switch cfg.CacheBackend {
	case config.CacheBackendDynamo:
		dynamo, err := storage.NewDynamoCache(ctx, cfg.Dynamo(), cfg.DynamoTable)
		if err != nil {
			log.Fatalf("Failed to create dynamodb client: %v", err)
		}
		if cfg.DynamoEndpointURL != "" {
			if err := dynamo.CreateTable(ctx); err != nil {
				log.Fatalf("Failed to create dynamodb table %s: %v", cfg.DynamoTable, err)
			}
		}
		slog.Info("using dynamodb prediction cache", "table", cfg.DynamoTable)
		return dynamo
	default:
		slog.Info("using sql prediction cache")
		return storage.NewSQLCache(db)
	}
}

func LoadModelRegistry(cfg config.Config) *config.ModelRegistry {
	registry, err := config.LoadModelRegistry(cfg.ModelRegistry)
	if err != nil {
		log.Fatalf("Failed to load model registry: %v", err)
	}
	slog.Info("loaded model registry", "path", cfg.ModelRegistry, "models", registry.Ids())
	return registry
}

func CreateWriter(cfg config.Config, predictionCache storage.PredictionCache, onBatch func(int)) *cache.Writer {
	// WRITE_MAX_RETRIES defaults to 3 in the config, so an explicit 0 turns retries off.
	maxRetries := cfg.WriteMaxRetries
	if maxRetries == 0 {
		maxRetries = cache.NoRetries
	}
	return cache.NewWriter(predictionCache, cache.WriterOptions{
		BatchSize:   cfg.WriteBatchSize,
		Concurrency: cfg.WriteConcurrency,
		MaxRetries:  maxRetries,
		RetryDelay:  cfg.WriteRetryDelay,
		OnBatch:     onBatch,
	})
}

func CreateRequestService(cfg config.Config, db *gorm.DB, predictionCache storage.PredictionCache, blobs storage.BlobStore) *requests.Service {
	return requests.NewService(
		storage.NewSQLRequestLog(db),
		storage.NewSQLQueryEngine(db, cfg.QueryTimeout),
		predictionCache,
		requests.ServiceOptions{
			Blobs:        blobs,
			Bucket:       cfg.Bucket,
			OutputPrefix: cfg.OutputPrefix,
			PresignTTL:   cfg.PresignTTL,
		},
	)
}

// CreateShardRunner returns the runner together with the executor router so
// the caller can release executors on shutdown.
func CreateShardRunner(cfg config.Config, registry *config.ModelRegistry, blobs storage.BlobStore, predictionCache storage.PredictionCache) (*pipeline.ShardRunner, *executor.Router) {
	router := executor.NewRouter(registry, cfg.ExecutorWorkDir)
	runner := pipeline.NewShardRunner(
		blobs,
		cfg.Bucket,
		router,
		normalize.NewNormalizer(cfg.EnforceSchema),
		CreateWriter(cfg, predictionCache, nil),
	)
	return runner, router
}

func MustLoadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}
