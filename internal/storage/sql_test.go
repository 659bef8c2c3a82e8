package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"precalc-backend/internal/core/types"
	"precalc-backend/internal/database"
	"precalc-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

// errorRecorder is a gorm logger that keeps every error a statement returned.
type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) LogMode(logger.LogLevel) logger.Interface { return r }

func (r *errorRecorder) Info(context.Context, string, ...interface{}) {}

func (r *errorRecorder) Warn(context.Context, string, ...interface{}) {}

func (r *errorRecorder) Error(context.Context, string, ...interface{}) {}

func (r *errorRecorder) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err != nil {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
}

func prediction(modelId, inputKey, input string, output ...any) types.CachedPrediction {
	return types.CachedPrediction{
		Prediction: types.Prediction{ModelId: modelId, InputKey: inputKey, Input: input, Output: output},
		WrittenAt:  time.Now().UTC(),
	}
}

func TestSQLCacheUpsert(t *testing.T) {
	db := createDB(t)
	cache := storage.NewSQLCache(db)
	ctx := context.Background()

	unprocessed, err := cache.BatchPut(ctx, []types.CachedPrediction{
		prediction("eos0", "AAAAAAAAAAAAAA-BBBBBBBBBB-C", "CCO", 0.5, "active"),
		prediction("eos0", "DDDDDDDDDDDDDD-EEEEEEEEEE-F", "CCN", 1.5, "inactive"),
	})
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	// Rewriting a key replaces the entry instead of duplicating it.
	_, err = cache.BatchPut(ctx, []types.CachedPrediction{
		prediction("eos0", "AAAAAAAAAAAAAA-BBBBBBBBBB-C", "CCO", 0.75, "active"),
	})
	require.NoError(t, err)

	count, err := cache.Count(ctx, "eos0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	rows, err := cache.BatchGet(ctx, "eos0", []string{"AAAAAAAAAAAAAA-BBBBBBBBBB-C", "ZZZZZZZZZZZZZZ-ZZZZZZZZZZ-Z"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CCO", rows[0].Input)
	assert.Equal(t, []any{0.75, "active"}, rows[0].Output)
}

func TestSQLCacheExists(t *testing.T) {
	db := createDB(t)
	cache := storage.NewSQLCache(db)
	ctx := context.Background()

	exists, err := cache.Exists(ctx, "eos0")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = cache.BatchPut(ctx, []types.CachedPrediction{prediction("eos0", "AAAAAAAAAAAAAA-BBBBBBBBBB-C", "CCO", 1.0)})
	require.NoError(t, err)

	exists, err = cache.Exists(ctx, "eos0")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = cache.Exists(ctx, "eos1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLCacheRejectsOversizedBatch(t *testing.T) {
	cache := storage.NewSQLCache(createDB(t))

	items := make([]types.CachedPrediction, storage.MaxBatchSize+1)
	for i := range items {
		items[i] = prediction("eos0", fmt.Sprintf("KEY%d", i), "C", 1.0)
	}

	_, err := cache.BatchPut(context.Background(), items)
	require.Error(t, err)
}

func TestRequestLogCreateBatch(t *testing.T) {
	db := createDB(t)
	log := storage.NewSQLRequestLog(db)
	ctx := context.Background()

	batch := types.RequestBatch{RequestId: "req-1", ModelId: "eos0", Identities: []string{"A", "A", "B"}}

	stored, created, err := log.CreateBatch(ctx, batch, "fp-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, stored.InputCount)
	assert.Equal(t, 2, stored.DistinctCount)

	stored, created, err = log.CreateBatch(ctx, batch, "fp-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "fp-1", stored.Fingerprint)

	var inputs int64
	require.NoError(t, db.Model(&database.RequestInput{}).Where("request_id = ?", "req-1").Count(&inputs).Error)
	assert.Equal(t, int64(3), inputs)

	_, err = log.GetBatch(ctx, "req-2")
	require.ErrorIs(t, err, types.ErrRequestNotFound)
}

func TestRequestLogNewBatchLogsNoErrors(t *testing.T) {
	recorder := &errorRecorder{}
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: recorder})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.GetMigrator(db).Migrate())
	recorder.errs = nil

	log := storage.NewSQLRequestLog(db)
	ctx := context.Background()

	_, created, err := log.CreateBatch(ctx, types.RequestBatch{RequestId: "req-1", ModelId: "eos0", Identities: []string{"A"}}, "fp-1")
	require.NoError(t, err)
	assert.True(t, created)

	_, err = log.GetBatch(ctx, "req-2")
	require.ErrorIs(t, err, types.ErrRequestNotFound)

	assert.Empty(t, recorder.errs)
}

func TestJoinRequestDeduplicates(t *testing.T) {
	db := createDB(t)
	cache := storage.NewSQLCache(db)
	log := storage.NewSQLRequestLog(db)
	engine := storage.NewSQLQueryEngine(db, 5*time.Second)
	ctx := context.Background()

	_, err := cache.BatchPut(ctx, []types.CachedPrediction{
		prediction("eos0", "AAAAAAAAAAAAAA-BBBBBBBBBB-C", "A", 0.1),
		prediction("eos1", "DDDDDDDDDDDDDD-EEEEEEEEEE-F", "B", 0.2),
	})
	require.NoError(t, err)

	_, _, err = log.CreateBatch(ctx, types.RequestBatch{RequestId: "req-1", ModelId: "eos0", Identities: []string{"A", "A", "B"}}, "fp")
	require.NoError(t, err)

	rows, err := engine.JoinRequest(ctx, "req-1", "eos0")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.LookupRow{InputKey: "AAAAAAAAAAAAAA-BBBBBBBBBB-C", Input: "A", Output: []any{0.1}}, rows[0])

	rows, err = engine.JoinRequest(ctx, "req-1", "eos1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0].Input)
}

func TestJoinRequestOrdersByFirstAppearance(t *testing.T) {
	db := createDB(t)
	cache := storage.NewSQLCache(db)
	log := storage.NewSQLRequestLog(db)
	engine := storage.NewSQLQueryEngine(db, 0)
	ctx := context.Background()

	_, err := cache.BatchPut(ctx, []types.CachedPrediction{
		prediction("eos0", "K1", "A", 1.0),
		prediction("eos0", "K2", "B", 2.0),
		prediction("eos0", "K3", "C", 3.0),
	})
	require.NoError(t, err)

	_, _, err = log.CreateBatch(ctx, types.RequestBatch{RequestId: "req-1", ModelId: "eos0", Identities: []string{"C", "A", "C", "B"}}, "fp")
	require.NoError(t, err)

	rows, err := engine.JoinRequest(ctx, "req-1", "eos0")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "C", rows[0].Input)
	assert.Equal(t, "A", rows[1].Input)
	assert.Equal(t, "B", rows[2].Input)
}

func TestJoinRequestSchemaMismatch(t *testing.T) {
	db := createDB(t)
	engine := storage.NewSQLQueryEngine(db, 0)

	require.NoError(t, db.Migrator().DropTable(&database.Prediction{}))

	_, err := engine.JoinRequest(context.Background(), "req-1", "eos0")
	require.ErrorIs(t, err, types.ErrSchemaMismatch)
}
