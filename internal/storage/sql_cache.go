package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"precalc-backend/internal/core/types"
	"precalc-backend/internal/database"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SQLCache struct {
	db *gorm.DB
}

var _ PredictionCache = (*SQLCache)(nil)

func NewSQLCache(db *gorm.DB) *SQLCache {
	return &SQLCache{db: db}
}

func (c *SQLCache) BatchPut(ctx context.Context, items []types.CachedPrediction) ([]types.CachedPrediction, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d items exceeds max batch size %d", len(items), MaxBatchSize)
	}

	rows := make([]database.Prediction, 0, len(items))
	for _, item := range items {
		output, err := json.Marshal(item.Output)
		if err != nil {
			return nil, fmt.Errorf("error encoding output for %s: %w", item.Key(), err)
		}
		rows = append(rows, database.Prediction{
			InputKey:  item.InputKey,
			ModelId:   item.ModelId,
			Input:     item.Input,
			Output:    datatypes.JSON(output),
			WrittenAt: item.WrittenAt,
		})
	}

	result := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "input_key"}, {Name: "model_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"input", "output", "written_at"}),
	}).Create(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("error upserting predictions: %w", result.Error)
	}

	return nil, nil
}

func (c *SQLCache) BatchGet(ctx context.Context, modelId string, inputKeys []string) ([]types.CachedPrediction, error) {
	if len(inputKeys) == 0 {
		return nil, nil
	}

	var rows []database.Prediction
	if err := c.db.WithContext(ctx).
		Where("model_id = ? AND input_key IN ?", modelId, inputKeys).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error reading predictions: %w", err)
	}

	out := make([]types.CachedPrediction, 0, len(rows))
	for _, row := range rows {
		var output []any
		if err := json.Unmarshal(row.Output, &output); err != nil {
			return nil, fmt.Errorf("%w: undecodable output for (%s, %s): %v", types.ErrSchemaMismatch, row.InputKey, row.ModelId, err)
		}
		out = append(out, types.CachedPrediction{
			Prediction: types.Prediction{
				ModelId:  row.ModelId,
				InputKey: row.InputKey,
				Input:    row.Input,
				Output:   output,
			},
			WrittenAt: row.WrittenAt,
		})
	}
	return out, nil
}

func (c *SQLCache) Count(ctx context.Context, modelId string) (int64, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&database.Prediction{}).Where("model_id = ?", modelId).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting predictions for model %s: %w", modelId, err)
	}
	return count, nil
}

func (c *SQLCache) Exists(ctx context.Context, modelId string) (bool, error) {
	var rows []database.Prediction
	if err := c.db.WithContext(ctx).Select("input_key").Where("model_id = ?", modelId).Limit(1).Find(&rows).Error; err != nil {
		return false, fmt.Errorf("error checking predictions for model %s: %w", modelId, err)
	}
	return len(rows) > 0, nil
}
