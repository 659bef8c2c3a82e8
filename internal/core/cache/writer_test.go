package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"precalc-backend/internal/core/cache"
	"precalc-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[types.CacheKey]types.CachedPrediction
	calls   [][]types.CachedPrediction

	// reject decides whether an item is left unprocessed on the given attempt
	// for its key (attempts count from zero).
	reject   func(item types.CachedPrediction, attempt int) bool
	attempts map[types.CacheKey]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:  make(map[types.CacheKey]types.CachedPrediction),
		attempts: make(map[types.CacheKey]int),
	}
}

func (c *fakeCache) BatchPut(ctx context.Context, items []types.CachedPrediction) ([]types.CachedPrediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, append([]types.CachedPrediction(nil), items...))

	var unprocessed []types.CachedPrediction
	for _, item := range items {
		attempt := c.attempts[item.Key()]
		c.attempts[item.Key()]++
		if c.reject != nil && c.reject(item, attempt) {
			unprocessed = append(unprocessed, item)
			continue
		}
		c.entries[item.Key()] = item
	}
	return unprocessed, nil
}

func (c *fakeCache) BatchGet(ctx context.Context, modelId string, inputKeys []string) ([]types.CachedPrediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.CachedPrediction
	for _, k := range inputKeys {
		if item, ok := c.entries[types.CacheKey{InputKey: k, ModelId: modelId}]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (c *fakeCache) Count(ctx context.Context, modelId string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for k := range c.entries {
		if k.ModelId == modelId {
			n++
		}
	}
	return n, nil
}

func (c *fakeCache) Exists(ctx context.Context, modelId string) (bool, error) {
	n, err := c.Count(ctx, modelId)
	return n > 0, err
}

func predictions(modelId string, n int) []types.Prediction {
	out := make([]types.Prediction, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.Prediction{
			ModelId:  modelId,
			InputKey: fmt.Sprintf("KEY-%04d", i),
			Input:    fmt.Sprintf("C%d", i),
			Output:   []any{float64(i)},
		})
	}
	return out
}

func fastOptions() cache.WriterOptions {
	return cache.WriterOptions{RetryDelay: time.Millisecond}
}

func TestWriteBatchesAtMost25(t *testing.T) {
	store := newFakeCache()
	writer := cache.NewWriter(store, cache.WriterOptions{BatchSize: 100, RetryDelay: time.Millisecond})

	require.NoError(t, writer.Write(context.Background(), predictions("eos0", 60)))

	assert.Len(t, store.calls, 3)
	for _, call := range store.calls {
		assert.LessOrEqual(t, len(call), 25)
	}

	count, err := store.Count(context.Background(), "eos0")
	require.NoError(t, err)
	assert.Equal(t, int64(60), count)
}

func TestWriteIsIdempotent(t *testing.T) {
	store := newFakeCache()
	writer := cache.NewWriter(store, fastOptions())
	preds := predictions("eos0", 30)

	require.NoError(t, writer.Write(context.Background(), preds))
	first := make(map[types.CacheKey][]any)
	for k, v := range store.entries {
		first[k] = v.Output
	}

	require.NoError(t, writer.Write(context.Background(), preds))
	require.Len(t, store.entries, len(first))
	for k, v := range store.entries {
		assert.Equal(t, first[k], v.Output)
	}
}

func TestWriteStampsWriteTime(t *testing.T) {
	store := newFakeCache()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	writer := cache.NewWriter(store, cache.WriterOptions{Now: func() time.Time { return now }})

	require.NoError(t, writer.Write(context.Background(), predictions("eos0", 2)))
	for _, entry := range store.entries {
		assert.Equal(t, now, entry.WrittenAt)
	}
}

func TestWriteRetriesOnlyUnprocessed(t *testing.T) {
	store := newFakeCache()
	store.reject = func(item types.CachedPrediction, attempt int) bool {
		return attempt == 0 && (item.InputKey == "KEY-0003" || item.InputKey == "KEY-0007")
	}
	writer := cache.NewWriter(store, fastOptions())

	require.NoError(t, writer.Write(context.Background(), predictions("eos0", 10)))

	require.Len(t, store.calls, 2)
	assert.Len(t, store.calls[0], 10)
	retried := []string{store.calls[1][0].InputKey, store.calls[1][1].InputKey}
	assert.ElementsMatch(t, []string{"KEY-0003", "KEY-0007"}, retried)
	assert.Len(t, store.calls[1], 2)
	assert.Len(t, store.entries, 10)
}

func TestWriteReportsUnwrittenKeys(t *testing.T) {
	store := newFakeCache()
	store.reject = func(item types.CachedPrediction, attempt int) bool {
		return item.InputKey == "KEY-0001"
	}
	writer := cache.NewWriter(store, cache.WriterOptions{MaxRetries: 2, RetryDelay: time.Millisecond})

	err := writer.Write(context.Background(), predictions("eos0", 5))
	require.ErrorIs(t, err, types.ErrWriteFailure)

	var failure *types.WriteFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, []types.CacheKey{{InputKey: "KEY-0001", ModelId: "eos0"}}, failure.Keys)

	// one initial attempt plus two retries
	assert.Equal(t, 3, store.attempts[types.CacheKey{InputKey: "KEY-0001", ModelId: "eos0"}])
	assert.Len(t, store.entries, 4)
}

func TestWriteWithoutRetries(t *testing.T) {
	store := newFakeCache()
	store.reject = func(item types.CachedPrediction, attempt int) bool {
		return item.InputKey == "KEY-0002"
	}
	writer := cache.NewWriter(store, cache.WriterOptions{MaxRetries: cache.NoRetries, RetryDelay: time.Millisecond})

	err := writer.Write(context.Background(), predictions("eos0", 4))
	require.ErrorIs(t, err, types.ErrWriteFailure)

	require.Len(t, store.calls, 1)
	assert.Equal(t, 1, store.attempts[types.CacheKey{InputKey: "KEY-0002", ModelId: "eos0"}])
	assert.Len(t, store.entries, 3)
}

func TestWriteDefaultRetries(t *testing.T) {
	store := newFakeCache()
	store.reject = func(item types.CachedPrediction, attempt int) bool {
		return item.InputKey == "KEY-0000"
	}
	writer := cache.NewWriter(store, cache.WriterOptions{RetryDelay: time.Millisecond})

	err := writer.Write(context.Background(), predictions("eos0", 2))
	require.ErrorIs(t, err, types.ErrWriteFailure)
	assert.Equal(t, cache.DefaultMaxRetries+1, store.attempts[types.CacheKey{InputKey: "KEY-0000", ModelId: "eos0"}])
}

func TestWriteValidatesBeforeIO(t *testing.T) {
	store := newFakeCache()
	writer := cache.NewWriter(store, fastOptions())

	preds := predictions("eos0", 3)
	preds[1].InputKey = ""

	err := writer.Write(context.Background(), preds)
	require.ErrorIs(t, err, types.ErrSchemaValidation)
	assert.Empty(t, store.calls)
}

func TestWriteLastDuplicateWins(t *testing.T) {
	store := newFakeCache()
	writer := cache.NewWriter(store, fastOptions())

	preds := predictions("eos0", 2)
	dup := preds[0]
	dup.Output = []any{42.0}
	preds = append(preds, dup)

	require.NoError(t, writer.Write(context.Background(), preds))
	require.Len(t, store.calls, 1)
	assert.Len(t, store.calls[0], 2)
	assert.Equal(t, []any{42.0}, store.entries[dup.Key()].Output)
}

func TestWriteProgressHook(t *testing.T) {
	store := newFakeCache()

	var mu sync.Mutex
	total := 0
	writer := cache.NewWriter(store, cache.WriterOptions{
		RetryDelay: time.Millisecond,
		OnBatch: func(written int) {
			mu.Lock()
			total += written
			mu.Unlock()
		},
	})

	require.NoError(t, writer.Write(context.Background(), predictions("eos0", 51)))
	assert.Equal(t, 51, total)
}
