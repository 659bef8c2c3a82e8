package partition

import (
	"fmt"

	"precalc-backend/internal/core/types"
)

// Partition returns the row range assigned to shard numerator (1-indexed) of
// denominator when splitting total rows. Every shard gets floor(total/denominator)
// rows and the final shard additionally absorbs the total%denominator trailing
// rows, so the shards always cover [0, total) exactly.
func Partition(total, denominator, numerator int) (types.Range, error) {
	if err := Validate(total, types.ShardSpec{Numerator: numerator, Denominator: denominator}); err != nil {
		return types.Range{}, err
	}

	chunk := total / denominator
	start := (numerator - 1) * chunk
	end := start + chunk
	if numerator == denominator {
		end = total
	}

	return types.Range{Start: start, End: end}, nil
}

func Validate(total int, spec types.ShardSpec) error {
	if spec.Denominator <= 0 {
		return fmt.Errorf("%w: denominator must be positive, got %d", types.ErrInvalidShardSpec, spec.Denominator)
	}
	if spec.Numerator < 1 || spec.Numerator > spec.Denominator {
		return fmt.Errorf("%w: numerator %d not in [1, %d]", types.ErrInvalidShardSpec, spec.Numerator, spec.Denominator)
	}
	if total < 0 {
		return fmt.Errorf("%w: total row count must be non-negative, got %d", types.ErrInvalidShardSpec, total)
	}
	if spec.SampleSize < 0 {
		return fmt.Errorf("%w: sample size must be non-negative, got %d", types.ErrInvalidShardSpec, spec.SampleSize)
	}
	return nil
}

// Slice returns the rows of the given shard.
func Slice[T any](rows []T, spec types.ShardSpec) ([]T, types.Range, error) {
	rng, err := Partition(len(rows), spec.Denominator, spec.Numerator)
	if err != nil {
		return nil, types.Range{}, err
	}
	return rows[rng.Start:rng.End], rng, nil
}
