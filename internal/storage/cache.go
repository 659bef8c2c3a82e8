package storage

import (
	"context"

	"precalc-backend/internal/core/types"
)

// MaxBatchSize is the largest number of entries a single BatchPut may carry.
const MaxBatchSize = 25

// PredictionCache is the key-value store of predictions addressed by
// (input_key, model_id).
type PredictionCache interface {
	// BatchPut upserts at most MaxBatchSize items. Items the backend did not
	// accept are returned and may be retried. A non-nil error means no item
	// is known to have been written.
	BatchPut(ctx context.Context, items []types.CachedPrediction) ([]types.CachedPrediction, error)

	BatchGet(ctx context.Context, modelId string, inputKeys []string) ([]types.CachedPrediction, error)

	Count(ctx context.Context, modelId string) (int64, error)

	Exists(ctx context.Context, modelId string) (bool, error)
}
