package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"precalc-backend/internal/core/types"
	"precalc-backend/internal/core/utils"
	"precalc-backend/internal/storage"
)

type Lookup struct {
	Found    bool
	Metadata types.Metadata
}

// Tracker keeps one metadata document per model in the blob store. Updates for
// a model are serialized within the process only, concurrent updates from
// other processes are last-write-wins.
type Tracker struct {
	blobs   storage.BlobStore
	counter storage.PredictionCache
	bucket  string
	locks   *utils.KeyedMutex
}

func NewTracker(blobs storage.BlobStore, counter storage.PredictionCache, bucket string) *Tracker {
	return &Tracker{
		blobs:   blobs,
		counter: counter,
		bucket:  bucket,
		locks:   utils.NewKeyedMutex(),
	}
}

func DocumentKey(modelId string) string {
	return fmt.Sprintf("meta/%s.json", modelId)
}

func (t *Tracker) Location(modelId string) string {
	return storage.URI(t.bucket, DocumentKey(modelId))
}

func (t *Tracker) Get(ctx context.Context, modelId string) (Lookup, error) {
	data, err := t.blobs.GetObject(ctx, t.bucket, DocumentKey(modelId))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Lookup{Found: false, Metadata: types.Metadata{ModelId: modelId}}, nil
		}
		return Lookup{}, fmt.Errorf("error loading metadata for model %s: %w", modelId, err)
	}

	var meta types.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Lookup{}, fmt.Errorf("%w: metadata for model %s: %v", types.ErrSchemaMismatch, modelId, err)
	}
	meta.ModelId = modelId

	return Lookup{Found: true, Metadata: meta}, nil
}

func (t *Tracker) put(ctx context.Context, meta types.Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("error encoding metadata for model %s: %w", meta.ModelId, err)
	}
	if err := t.blobs.PutObject(ctx, t.bucket, DocumentKey(meta.ModelId), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("error storing metadata for model %s: %w", meta.ModelId, err)
	}
	return nil
}

// StartRun records the start of a pipeline run, creating the document if it
// does not exist yet. All other fields are preserved.
func (t *Tracker) StartRun(ctx context.Context, modelId string, startTs int64) (types.Metadata, error) {
	unlock := t.locks.Lock(modelId)
	defer unlock()

	lookup, err := t.Get(ctx, modelId)
	if err != nil {
		return types.Metadata{}, err
	}

	meta := lookup.Metadata
	meta.PipelineLatestStartTime = startTs

	if err := t.put(ctx, meta); err != nil {
		return types.Metadata{}, err
	}

	slog.Info("pipeline run started", "model_id", modelId, "start_time", startTs)
	return meta, nil
}

// EndRun completes the run started by StartRun. The prediction count is read
// back from the cache rather than trusted from the run. An empty location
// defaults to the document's own uri.
func (t *Tracker) EndRun(ctx context.Context, modelId string, endTs int64, location string) (types.Metadata, error) {
	unlock := t.locks.Lock(modelId)
	defer unlock()

	lookup, err := t.Get(ctx, modelId)
	if err != nil {
		return types.Metadata{}, err
	}
	if !lookup.Found {
		return types.Metadata{}, fmt.Errorf("%w: no metadata for model %s, run was never started", types.ErrInvalidState, modelId)
	}

	meta := lookup.Metadata
	if meta.PipelineLatestStartTime == 0 {
		return types.Metadata{}, fmt.Errorf("%w: model %s has no recorded start time", types.ErrInvalidState, modelId)
	}
	if endTs < meta.PipelineLatestStartTime {
		return types.Metadata{}, fmt.Errorf("%w: end time %d precedes start time %d for model %s", types.ErrInvalidState, endTs, meta.PipelineLatestStartTime, modelId)
	}

	count, err := t.counter.Count(ctx, modelId)
	if err != nil {
		return types.Metadata{}, fmt.Errorf("error counting predictions for model %s: %w", modelId, err)
	}

	if location == "" {
		location = t.Location(modelId)
	}

	meta.PredsLastUpdated = endTs
	meta.PipelineLatestDuration = endTs - meta.PipelineLatestStartTime
	meta.PipelineMetaLocation = location
	meta.TotalUniquePreds = count
	meta.PredsInStore = count > 0

	if err := t.put(ctx, meta); err != nil {
		return types.Metadata{}, err
	}

	slog.Info("pipeline run ended", "model_id", modelId, "duration", meta.PipelineLatestDuration, "total_unique_preds", count)
	return meta, nil
}
