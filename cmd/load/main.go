package main

import (
	"bytes"
	"context"
	"flag"
	"log"
	"path/filepath"

	"precalc-backend/cmd"
	"precalc-backend/internal/core/metadata"
	"precalc-backend/internal/core/normalize"
	"precalc-backend/internal/database"
	"precalc-backend/internal/storage"

	"github.com/schollz/progressbar/v3"
)

// load writes an existing predictions csv for one model into the prediction
// cache and optionally records the run timing in the model's metadata.
func main() {
	modelId := flag.String("model", "", "id of the model the predictions belong to")
	key := flag.String("key", "", "blob key of the predictions csv in the bucket")
	local := flag.Bool("local", false, "read from the local data dir instead of s3")
	start := flag.Int64("start", 0, "unix time the pipeline run started, records metadata if set")
	end := flag.Int64("end", 0, "unix time the pipeline run ended, records metadata if set")
	location := flag.String("location", "", "location recorded in the metadata, defaults to the metadata document")

	cmd.LoadEnvFile()

	if *modelId == "" || *key == "" {
		log.Fatalf("-model and -key are required")
	}

	cfg := cmd.MustLoadConfig()
	ctx := context.Background()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var blobs storage.BlobStore
	if *local {
		blobs, err = storage.NewLocalProvider(filepath.Join(cfg.LocalDataDir, "storage"))
		if err != nil {
			log.Fatalf("Failed to create storage client: %v", err)
		}
	} else {
		blobs = cmd.CreateS3Provider(ctx, cfg)
	}

	predictionCache := cmd.CreatePredictionCache(ctx, cfg, db)
	tracker := metadata.NewTracker(blobs, predictionCache, cfg.Bucket)

	if *start > 0 {
		if _, err := tracker.StartRun(ctx, *modelId, *start); err != nil {
			log.Fatalf("Failed to record run start: %v", err)
		}
	}

	data, err := blobs.GetObject(ctx, cfg.Bucket, *key)
	if err != nil {
		log.Fatalf("Failed to download predictions: %v", err)
	}

	table, err := normalize.ReadCSV(bytes.NewReader(data))
	if err != nil {
		log.Fatalf("Failed to parse predictions: %v", err)
	}

	predictions, err := normalize.NewNormalizer(cfg.EnforceSchema).Normalize(table, *modelId)
	if err != nil {
		log.Fatalf("Invalid predictions: %v", err)
	}

	log.Printf("writing %d predictions for model %s", len(predictions), *modelId)

	bar := progressbar.NewOptions(len(predictions),
		progressbar.OptionSetDescription("writing"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	writer := cmd.CreateWriter(cfg, predictionCache, func(written int) {
		_ = bar.Add(written)
	})
	if err := writer.Write(ctx, predictions); err != nil {
		log.Fatalf("Failed to write predictions: %v", err)
	}
	_ = bar.Finish()

	if *end > 0 {
		meta, err := tracker.EndRun(ctx, *modelId, *end, *location)
		if err != nil {
			log.Fatalf("Failed to record run end: %v", err)
		}
		log.Printf("recorded metadata for model %s: %d unique predictions, duration %ds", *modelId, meta.TotalUniquePreds, meta.PipelineLatestDuration)
	}

	log.Printf("done")
}
