package metadata_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"precalc-backend/internal/core/metadata"
	"precalc-backend/internal/core/types"
	"precalc-backend/internal/database"
	"precalc-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*metadata.Tracker, *storage.LocalProvider, *storage.SQLCache) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.GetMigrator(db).Migrate())

	blobs, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	cache := storage.NewSQLCache(db)
	return metadata.NewTracker(blobs, cache, "bucket"), blobs, cache
}

func TestGetMissing(t *testing.T) {
	tracker, _, _ := setup(t)

	lookup, err := tracker.Get(context.Background(), "eos0")
	require.NoError(t, err)
	assert.False(t, lookup.Found)
}

func TestStartAndEndRun(t *testing.T) {
	tracker, blobs, cache := setup(t)
	ctx := context.Background()

	_, err := cache.BatchPut(ctx, []types.CachedPrediction{
		{Prediction: types.Prediction{ModelId: "eos0", InputKey: "K1", Input: "A", Output: []any{1.0}}, WrittenAt: time.Now()},
		{Prediction: types.Prediction{ModelId: "eos0", InputKey: "K2", Input: "B", Output: []any{2.0}}, WrittenAt: time.Now()},
	})
	require.NoError(t, err)

	meta, err := tracker.StartRun(ctx, "eos0", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), meta.PipelineLatestStartTime)

	meta, err = tracker.EndRun(ctx, "eos0", 150, "")
	require.NoError(t, err)
	assert.Equal(t, int64(50), meta.PipelineLatestDuration)
	assert.Equal(t, int64(150), meta.PredsLastUpdated)
	assert.Equal(t, int64(2), meta.TotalUniquePreds)
	assert.True(t, meta.PredsInStore)
	assert.Equal(t, "s3://bucket/meta/eos0.json", meta.PipelineMetaLocation)

	data, err := blobs.GetObject(ctx, "bucket", "meta/eos0.json")
	require.NoError(t, err)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "eos0", stored["model_id"])
	assert.Equal(t, 50.0, stored["pipeline_latest_duration"])
	assert.Equal(t, 100.0, stored["pipeline_latest_start_time"])

	lookup, err := tracker.Get(ctx, "eos0")
	require.NoError(t, err)
	assert.True(t, lookup.Found)
	assert.Equal(t, meta, lookup.Metadata)
}

func TestStartRunPreservesOtherFields(t *testing.T) {
	tracker, _, _ := setup(t)
	ctx := context.Background()

	_, err := tracker.StartRun(ctx, "eos0", 100)
	require.NoError(t, err)
	first, err := tracker.EndRun(ctx, "eos0", 130, "s3://elsewhere/run.json")
	require.NoError(t, err)
	assert.False(t, first.PredsInStore)

	meta, err := tracker.StartRun(ctx, "eos0", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(200), meta.PipelineLatestStartTime)
	assert.Equal(t, int64(30), meta.PipelineLatestDuration)
	assert.Equal(t, int64(130), meta.PredsLastUpdated)
	assert.Equal(t, "s3://elsewhere/run.json", meta.PipelineMetaLocation)
}

func TestEndRunWithoutStart(t *testing.T) {
	tracker, _, _ := setup(t)

	_, err := tracker.EndRun(context.Background(), "eos0", 150, "")
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestEndRunBeforeStart(t *testing.T) {
	tracker, _, _ := setup(t)
	ctx := context.Background()

	_, err := tracker.StartRun(ctx, "eos0", 100)
	require.NoError(t, err)

	_, err = tracker.EndRun(ctx, "eos0", 99, "")
	require.ErrorIs(t, err, types.ErrInvalidState)
}
