package utils_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"precalc-backend/internal/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInPool(t *testing.T) {
	worker := func(ctx context.Context, i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error")
		}
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	inputs := make([]int, 10)
	for i := range inputs {
		inputs[i] = i
	}

	results := utils.RunInPool(context.Background(), inputs, 5, worker)
	require.Len(t, results, 10)

	success, errors := 0, 0
	for i, result := range results {
		assert.Equal(t, i, result.Index)
		if result.Error != nil {
			errors++
		} else {
			assert.Equal(t, fmt.Sprintf("%d-%d", i, i), result.Result)
			success++
		}
	}

	assert.Equal(t, 8, success)
	assert.Equal(t, 2, errors)
}

func TestRunInPoolLimitsConcurrency(t *testing.T) {
	var running, peak atomic.Int32

	worker := func(ctx context.Context, i int) (int, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return i, nil
	}

	utils.RunInPool(context.Background(), make([]int, 20), 3, worker)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunInPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := utils.RunInPool(ctx, []int{1, 2, 3}, 2, func(ctx context.Context, i int) (int, error) {
		return i, nil
	})
	for _, result := range results {
		assert.ErrorIs(t, result.Error, context.Canceled)
	}
}
