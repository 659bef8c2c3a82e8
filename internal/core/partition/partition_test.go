package partition_test

import (
	"testing"

	"precalc-backend/internal/core/partition"
	"precalc-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionRemainderGoesToFinalShard(t *testing.T) {
	expected := []types.Range{{Start: 0, End: 33}, {Start: 33, End: 66}, {Start: 66, End: 100}}

	for n := 1; n <= 3; n++ {
		rng, err := partition.Partition(100, 3, n)
		require.NoError(t, err)
		assert.Equal(t, expected[n-1], rng)
	}
}

func TestPartitionCoversAllRowsDisjointly(t *testing.T) {
	for total := 0; total <= 60; total++ {
		for d := 1; d <= 12; d++ {
			covered := make([]int, total)
			prevEnd := 0
			for n := 1; n <= d; n++ {
				rng, err := partition.Partition(total, d, n)
				require.NoError(t, err)
				assert.Equal(t, prevEnd, rng.Start, "shard %d/%d of %d is not contiguous", n, d, total)
				for i := rng.Start; i < rng.End; i++ {
					covered[i]++
				}
				prevEnd = rng.End
			}
			assert.Equal(t, total, prevEnd)
			for i, c := range covered {
				assert.Equal(t, 1, c, "row %d covered %d times (T=%d, D=%d)", i, c, total, d)
			}
		}
	}
}

func TestPartitionEvenSplit(t *testing.T) {
	rng, err := partition.Partition(10, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, types.Range{Start: 5, End: 10}, rng)
	assert.Equal(t, 5, rng.Len())
}

func TestPartitionInvalidSpec(t *testing.T) {
	cases := []struct {
		total, d, n int
	}{
		{10, 0, 1},
		{10, -2, 1},
		{10, 3, 0},
		{10, 3, 4},
		{-1, 3, 1},
	}

	for _, c := range cases {
		_, err := partition.Partition(c.total, c.d, c.n)
		assert.ErrorIs(t, err, types.ErrInvalidShardSpec, "T=%d D=%d N=%d", c.total, c.d, c.n)
	}
}

func TestSlice(t *testing.T) {
	rows := []string{"a", "b", "c", "d", "e", "f", "g"}

	shard, rng, err := partition.Slice(rows, types.ShardSpec{Numerator: 3, Denominator: 3})
	require.NoError(t, err)
	assert.Equal(t, types.Range{Start: 4, End: 7}, rng)
	assert.Equal(t, []string{"e", "f", "g"}, shard)

	_, _, err = partition.Slice(rows, types.ShardSpec{Numerator: 1, Denominator: 0})
	assert.ErrorIs(t, err, types.ErrInvalidShardSpec)
}

func TestReferenceKey(t *testing.T) {
	assert.Equal(t, "reference_library.csv", types.ShardSpec{Numerator: 1, Denominator: 1}.ReferenceKey())
	assert.Equal(t, "reference_library_10.csv", types.ShardSpec{Numerator: 1, Denominator: 1, SampleSize: 10}.ReferenceKey())
}
