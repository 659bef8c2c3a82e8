package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"precalc-backend/internal/core/types"
	"precalc-backend/internal/core/utils"
	"precalc-backend/internal/metrics"
	"precalc-backend/internal/storage"
)

const (
	DefaultConcurrency = 4
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 200 * time.Millisecond

	// NoRetries disables retrying unprocessed items. A zero MaxRetries selects
	// DefaultMaxRetries.
	NoRetries = -1
)

type WriterOptions struct {
	// BatchSize is capped at storage.MaxBatchSize.
	BatchSize   int
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration

	// OnBatch is called after every BatchPut with the number of items it
	// accepted. It is called from multiple goroutines.
	OnBatch func(written int)

	Now func() time.Time
}

type Writer struct {
	store storage.PredictionCache
	opts  WriterOptions
}

func NewWriter(store storage.PredictionCache, opts WriterOptions) *Writer {
	if opts.BatchSize <= 0 || opts.BatchSize > storage.MaxBatchSize {
		opts.BatchSize = storage.MaxBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Writer{store: store, opts: opts}
}

func validate(predictions []types.Prediction) error {
	var issues []types.ColumnIssue
	for i, p := range predictions {
		if p.InputKey == "" {
			issues = append(issues, types.ColumnIssue{Column: "key", Row: i, Kind: types.IssueMissing, Detail: "empty input key"})
		}
		if p.ModelId == "" {
			issues = append(issues, types.ColumnIssue{Column: "model_id", Row: i, Kind: types.IssueMissing, Detail: "empty model id"})
		}
	}
	if len(issues) > 0 {
		modelId := ""
		if len(predictions) > 0 {
			modelId = predictions[0].ModelId
		}
		return &types.SchemaValidationError{ModelId: modelId, Issues: issues}
	}
	return nil
}

// dedupe keeps one item per cache key. The last occurrence wins, matching what
// sequential upserts would leave behind.
func dedupe(predictions []types.Prediction, writtenAt time.Time) []types.CachedPrediction {
	index := make(map[types.CacheKey]int, len(predictions))
	items := make([]types.CachedPrediction, 0, len(predictions))
	for _, p := range predictions {
		item := types.CachedPrediction{Prediction: p, WrittenAt: writtenAt}
		if i, ok := index[p.Key()]; ok {
			items[i] = item
			continue
		}
		index[p.Key()] = len(items)
		items = append(items, item)
	}
	return items
}

func countByModel(items []types.CachedPrediction) map[string]int {
	counts := make(map[string]int)
	for _, item := range items {
		counts[item.ModelId]++
	}
	return counts
}

// Write upserts predictions into the cache. Rewriting the same predictions is
// idempotent. If any items remain unwritten after retries a *types.WriteFailure
// listing their keys is returned.
func (w *Writer) Write(ctx context.Context, predictions []types.Prediction) error {
	if err := validate(predictions); err != nil {
		return err
	}
	if len(predictions) == 0 {
		return nil
	}

	items := dedupe(predictions, w.opts.Now().UTC())
	batches := utils.Chunk(items, w.opts.BatchSize)

	results := utils.RunInPool(ctx, batches, w.opts.Concurrency, w.writeBatch)

	var failed []types.CachedPrediction
	var cause error
	for _, result := range results {
		unwritten := result.Result
		if result.Error != nil && len(unwritten) == 0 {
			unwritten = batches[result.Index]
		}
		if len(unwritten) > 0 {
			failed = append(failed, unwritten...)
			if cause == nil {
				cause = result.Error
			}
		}
	}

	if len(failed) > 0 {
		for model, n := range countByModel(failed) {
			metrics.CacheItemsFailed.WithLabelValues(model).Add(float64(n))
		}

		keys := make([]types.CacheKey, 0, len(failed))
		for _, item := range failed {
			keys = append(keys, item.Key())
		}
		slog.Error("cache write incomplete", "unwritten", len(keys), "total", len(items), "error", cause)
		return &types.WriteFailure{Keys: keys, Cause: cause}
	}

	slog.Info("cache write complete", "items", len(items), "batches", len(batches))
	return nil
}

// writeBatch returns the items of batch that were still unwritten when the
// retry budget ran out.
func (w *Writer) writeBatch(ctx context.Context, batch []types.CachedPrediction) ([]types.CachedPrediction, error) {
	pending := batch
	var lastErr error

	for attempt := 0; ; attempt++ {
		unprocessed, err := w.store.BatchPut(ctx, pending)
		if err != nil {
			slog.Warn("batch put failed", "attempt", attempt, "items", len(pending), "error", err)
			unprocessed = pending
			lastErr = err
		}

		if written := len(pending) - len(unprocessed); written > 0 {
			accepted := countByModel(pending)
			for model, n := range countByModel(unprocessed) {
				accepted[model] -= n
			}
			for model, n := range accepted {
				metrics.CacheItemsWritten.WithLabelValues(model).Add(float64(n))
			}
			if w.opts.OnBatch != nil {
				w.opts.OnBatch(written)
			}
		}

		if len(unprocessed) == 0 {
			return nil, nil
		}
		if attempt >= w.opts.MaxRetries {
			if lastErr == nil {
				lastErr = fmt.Errorf("%d items still unprocessed after %d retries", len(unprocessed), w.opts.MaxRetries)
			}
			return unprocessed, lastErr
		}

		for model, n := range countByModel(unprocessed) {
			metrics.CacheItemsRetried.WithLabelValues(model).Add(float64(n))
		}

		delay := w.opts.RetryDelay * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return unprocessed, ctx.Err()
		case <-time.After(delay):
		}

		pending = unprocessed
	}
}
