package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"precalc-backend/internal/core/cache"
	"precalc-backend/internal/core/executor"
	"precalc-backend/internal/core/normalize"
	"precalc-backend/internal/core/partition"
	"precalc-backend/internal/core/types"
	"precalc-backend/internal/storage"
)

type ShardJob struct {
	ModelId string
	Sha     string
	Spec    types.ShardSpec
}

type ShardResult struct {
	Range       types.Range
	Predictions int
	OutputKey   string
}

// OutputKey is where the raw executor output of a shard is kept, numbered from
// zero.
func OutputKey(modelId, sha string, numerator int) string {
	return fmt.Sprintf("out/%s/%s/%s_%04d.csv", modelId, sha, sha, numerator-1)
}

// ShardRunner computes one shard: it reads the reference library, runs the
// executor over the shard's slice and writes the normalized predictions.
type ShardRunner struct {
	blobs      storage.BlobStore
	bucket     string
	executor   executor.Executor
	normalizer *normalize.Normalizer
	writer     *cache.Writer
}

func NewShardRunner(blobs storage.BlobStore, bucket string, exec executor.Executor, normalizer *normalize.Normalizer, writer *cache.Writer) *ShardRunner {
	return &ShardRunner{
		blobs:      blobs,
		bucket:     bucket,
		executor:   exec,
		normalizer: normalizer,
		writer:     writer,
	}
}

func (r *ShardRunner) Run(ctx context.Context, job ShardJob) (ShardResult, error) {
	if err := partition.Validate(0, job.Spec); err != nil {
		return ShardResult{}, err
	}

	referenceKey := job.Spec.ReferenceKey()
	data, err := r.blobs.GetObject(ctx, r.bucket, referenceKey)
	if err != nil {
		return ShardResult{}, fmt.Errorf("error downloading reference library %s: %w", referenceKey, err)
	}

	identities, err := normalize.ReadColumn(bytes.NewReader(data), true)
	if err != nil {
		return ShardResult{}, fmt.Errorf("error parsing reference library %s: %w", referenceKey, err)
	}

	inputs, rng, err := partition.Slice(identities, job.Spec)
	if err != nil {
		return ShardResult{}, err
	}

	slog.Info("partitioned reference library", "model_id", job.ModelId, "shard", job.Spec.Numerator, "shards", job.Spec.Denominator, "start", rng.Start, "end", rng.End)

	result := ShardResult{Range: rng}
	if len(inputs) == 0 {
		return result, nil
	}

	table, err := r.executor.Run(ctx, job.ModelId, inputs)
	if err != nil {
		return ShardResult{}, fmt.Errorf("executor failed for model %s shard %d: %w", job.ModelId, job.Spec.Numerator, err)
	}

	var raw bytes.Buffer
	if err := normalize.WriteCSV(&raw, table); err != nil {
		return ShardResult{}, err
	}
	result.OutputKey = OutputKey(job.ModelId, job.Sha, job.Spec.Numerator)
	if err := r.blobs.PutObject(ctx, r.bucket, result.OutputKey, &raw); err != nil {
		return ShardResult{}, fmt.Errorf("error uploading shard output: %w", err)
	}

	predictions, err := r.normalizer.Normalize(table, job.ModelId)
	if err != nil {
		return ShardResult{}, err
	}

	if err := r.writer.Write(ctx, predictions); err != nil {
		return ShardResult{}, err
	}

	result.Predictions = len(predictions)
	return result, nil
}
