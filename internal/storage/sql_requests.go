package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"precalc-backend/internal/core/types"
	"precalc-backend/internal/database"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const insertBatchSize = 500

type SQLRequestLog struct {
	db *gorm.DB
}

var _ RequestLog = (*SQLRequestLog)(nil)

func NewSQLRequestLog(db *gorm.DB) *SQLRequestLog {
	return &SQLRequestLog{db: db}
}

func toStoredBatch(batch database.RequestBatch) StoredBatch {
	return StoredBatch{
		RequestId:     batch.RequestId,
		ModelId:       batch.ModelId,
		Fingerprint:   batch.Fingerprint,
		InputCount:    batch.InputCount,
		DistinctCount: batch.DistinctCount,
	}
}

func getBatch(txn *gorm.DB, requestId string) (database.RequestBatch, error) {
	var batches []database.RequestBatch
	if err := txn.Where("request_id = ?", requestId).Limit(1).Find(&batches).Error; err != nil {
		return database.RequestBatch{}, fmt.Errorf("error retrieving request %s: %w", requestId, err)
	}
	if len(batches) == 0 {
		return database.RequestBatch{}, fmt.Errorf("request %s: %w", requestId, types.ErrRequestNotFound)
	}
	return batches[0], nil
}

func (l *SQLRequestLog) CreateBatch(ctx context.Context, batch types.RequestBatch, fingerprint string) (StoredBatch, bool, error) {
	distinct := make(map[string]struct{}, len(batch.Identities))
	inputs := make([]database.RequestInput, 0, len(batch.Identities))
	for i, identity := range batch.Identities {
		distinct[identity] = struct{}{}
		inputs = append(inputs, database.RequestInput{RequestId: batch.RequestId, Position: i, Input: identity})
	}

	row := database.RequestBatch{
		RequestId:     batch.RequestId,
		ModelId:       batch.ModelId,
		Fingerprint:   fingerprint,
		InputCount:    len(batch.Identities),
		DistinctCount: len(distinct),
		CreationTime:  time.Now().UTC(),
	}

	created := false
	err := l.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		existing, err := getBatch(txn, batch.RequestId)
		if err == nil {
			row = existing
			return nil
		}
		if !errors.Is(err, types.ErrRequestNotFound) {
			return err
		}

		if err := txn.Create(&row).Error; err != nil {
			return fmt.Errorf("error creating request batch: %w", err)
		}
		if len(inputs) > 0 {
			if err := txn.CreateInBatches(inputs, insertBatchSize).Error; err != nil {
				return fmt.Errorf("error creating request inputs: %w", err)
			}
		}
		created = true
		return nil
	})
	if err != nil {
		// A concurrent writer may have registered the same id first.
		if existing, getErr := getBatch(l.db.WithContext(ctx), batch.RequestId); getErr == nil {
			return toStoredBatch(existing), false, nil
		}
		return StoredBatch{}, false, err
	}

	return toStoredBatch(row), created, nil
}

func (l *SQLRequestLog) GetBatch(ctx context.Context, requestId string) (StoredBatch, error) {
	batch, err := getBatch(l.db.WithContext(ctx), requestId)
	if err != nil {
		return StoredBatch{}, err
	}
	return toStoredBatch(batch), nil
}

// SQLQueryEngine runs request joins against the same database the SQLCache
// writes to. Each query is bounded by Timeout when it is positive.
type SQLQueryEngine struct {
	db      *gorm.DB
	Timeout time.Duration
}

var _ QueryEngine = (*SQLQueryEngine)(nil)

func NewSQLQueryEngine(db *gorm.DB, timeout time.Duration) *SQLQueryEngine {
	return &SQLQueryEngine{db: db, Timeout: timeout}
}

const joinRequestQuery = `
WITH request AS (
	SELECT input, MIN(position) AS position
	FROM request_inputs
	WHERE request_id = ?
	GROUP BY input
)
SELECT r.input AS input, p.input_key AS input_key, p.output AS output
FROM request r
JOIN predictions p ON p.input = r.input
WHERE p.model_id = ?
ORDER BY r.position, p.written_at DESC, p.input_key`

type joinedRow struct {
	Input    string
	InputKey string
	Output   []byte
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	// query_canceled, raised when statement_timeout fires
	return errors.As(err, &pgErr) && pgErr.Code == "57014"
}

func (e *SQLQueryEngine) checkSchema() error {
	migrator := e.db.Migrator()
	for _, model := range []any{&database.Prediction{}, &database.RequestInput{}} {
		if !migrator.HasTable(model) {
			return fmt.Errorf("%w: missing table for %T", types.ErrSchemaMismatch, model)
		}
	}
	for _, column := range []string{"InputKey", "ModelId", "Input", "Output", "WrittenAt"} {
		if !migrator.HasColumn(&database.Prediction{}, column) {
			return fmt.Errorf("%w: predictions missing column %s", types.ErrSchemaMismatch, column)
		}
	}
	return nil
}

func (e *SQLQueryEngine) JoinRequest(ctx context.Context, requestId, modelId string) ([]types.LookupRow, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	var joined []joinedRow
	if err := e.db.WithContext(ctx).Raw(joinRequestQuery, requestId, modelId).Scan(&joined).Error; err != nil {
		if isTimeout(err) || ctx.Err() != nil {
			slog.Error("request join timed out", "request_id", requestId, "model_id", modelId, "error", err)
			return nil, fmt.Errorf("join for request %s model %s: %w", requestId, modelId, types.ErrQueryTimeout)
		}
		if schemaErr := e.checkSchema(); schemaErr != nil {
			return nil, schemaErr
		}
		return nil, fmt.Errorf("error joining request %s with model %s: %w", requestId, modelId, err)
	}

	rows := make([]types.LookupRow, 0, len(joined))
	seen := make(map[string]bool, len(joined))
	for _, row := range joined {
		// several input keys may share one identity, the most recently written wins
		if seen[row.Input] {
			continue
		}
		seen[row.Input] = true

		var output []any
		if err := json.Unmarshal(row.Output, &output); err != nil {
			return nil, fmt.Errorf("%w: undecodable output for input key %s: %v", types.ErrSchemaMismatch, row.InputKey, err)
		}
		rows = append(rows, types.LookupRow{InputKey: row.InputKey, Input: row.Input, Output: output})
	}

	return rows, nil
}
