package integrationtests

import (
	"context"
	"testing"
	"time"

	"precalc-backend/internal/core/requests"
	"precalc-backend/internal/core/types"
	"precalc-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresCacheAndJoin(t *testing.T) {
	skipShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	db := createDB(t)
	cache := storage.NewSQLCache(db)

	now := time.Now().UTC()
	items := []types.CachedPrediction{
		{Prediction: types.Prediction{ModelId: "eos0", InputKey: "AAAAAAAAAAAAAA-AAAAAAAAAA-A", Input: "CCO", Output: []any{0.1, "x"}}, WrittenAt: now},
		{Prediction: types.Prediction{ModelId: "eos0", InputKey: "BBBBBBBBBBBBBB-BBBBBBBBBB-B", Input: "CCN", Output: []any{0.2, "y"}}, WrittenAt: now},
		{Prediction: types.Prediction{ModelId: "eos1", InputKey: "AAAAAAAAAAAAAA-AAAAAAAAAA-A", Input: "CCO", Output: []any{3.0}}, WrittenAt: now},
	}
	unprocessed, err := cache.BatchPut(ctx, items)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	// rewriting the same key replaces the value
	items[0].Output = []any{0.5, "z"}
	_, err = cache.BatchPut(ctx, items[:1])
	require.NoError(t, err)

	count, err := cache.Count(ctx, "eos0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	service := requests.NewService(storage.NewSQLRequestLog(db), storage.NewSQLQueryEngine(db, 10*time.Second), cache, requests.ServiceOptions{})

	require.NoError(t, service.RegisterRequest(ctx, "req", "eos0", []string{"CCN", "CCO", "CCN", "CCC"}))

	rows, err := service.Lookup(ctx, "req", "eos0")
	require.NoError(t, err)
	assert.Equal(t, []types.LookupRow{
		{InputKey: "BBBBBBBBBBBBBB-BBBBBBBBBB-B", Input: "CCN", Output: []any{0.2, "y"}},
		{InputKey: "AAAAAAAAAAAAAA-AAAAAAAAAA-A", Input: "CCO", Output: []any{0.5, "z"}},
	}, rows)

	coverage, err := service.Coverage(ctx, "req", "eos0")
	require.NoError(t, err)
	assert.Equal(t, 3, coverage.Requested)
	assert.Equal(t, 2, coverage.Matched)
	assert.False(t, coverage.Complete())

	err = service.RegisterRequest(ctx, "req", "eos0", []string{"CCO"})
	assert.ErrorIs(t, err, types.ErrRequestConflict)
}
