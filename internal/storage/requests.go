package storage

import (
	"context"

	"precalc-backend/internal/core/types"
)

type StoredBatch struct {
	RequestId     string
	ModelId       string
	Fingerprint   string
	InputCount    int
	DistinctCount int
}

// RequestLog is the append-only record of request batches.
type RequestLog interface {
	// CreateBatch records batch under its request id. If the id is already
	// registered the stored batch is returned with created set to false.
	CreateBatch(ctx context.Context, batch types.RequestBatch, fingerprint string) (stored StoredBatch, created bool, err error)

	// GetBatch returns an error wrapping types.ErrRequestNotFound for unknown ids.
	GetBatch(ctx context.Context, requestId string) (StoredBatch, error)
}

// QueryEngine joins a logged request batch with the prediction cache.
type QueryEngine interface {
	// JoinRequest returns one row per distinct identity of the request that
	// has a cached prediction for modelId, ordered by first appearance.
	JoinRequest(ctx context.Context, requestId, modelId string) ([]types.LookupRow, error)
}
