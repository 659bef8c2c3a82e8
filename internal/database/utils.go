package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateShardTaskStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, shard int, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case JobRunning:
		updates["start_time"] = time.Now().UTC()
	case JobCompleted, JobFailed:
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&ShardTask{RunId: runId, Shard: shard}).Updates(updates).Error; err != nil {
		slog.Error("error updating shard task status", "run_id", runId, "shard", shard, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveShardTaskResult(ctx context.Context, txn *gorm.DB, runId uuid.UUID, shard int, rowStart, rowEnd, predictions int) error {
	updates := map[string]any{
		"row_start":        rowStart,
		"row_end":          rowEnd,
		"prediction_count": predictions,
	}
	if err := txn.WithContext(ctx).Model(&ShardTask{RunId: runId, Shard: shard}).Updates(updates).Error; err != nil {
		slog.Error("error saving shard task result", "run_id", runId, "shard", shard, "error", err)
		return err
	}
	return nil
}

func SaveShardTaskError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, shard int, errorMessage string) {
	update := map[string]any{"error": sql.NullString{String: errorMessage, Valid: true}}
	if err := txn.WithContext(ctx).Model(&ShardTask{RunId: runId, Shard: shard}).Updates(update).Error; err != nil {
		slog.Error("error saving shard task error", "run_id", runId, "shard", shard, "error", err)
	}
}

// CompleteRunIfDone flips the run from RUNNING to COMPLETED once every shard
// task has completed. The update is conditional on the current status so that
// when several workers finish at the same time only one of them gets true.
// Callers must commit their own shard status before calling this.
func CompleteRunIfDone(ctx context.Context, db *gorm.DB, runId uuid.UUID) (bool, error) {
	var pending int64
	if err := db.WithContext(ctx).Model(&ShardTask{}).
		Where("run_id = ? AND status <> ?", runId, JobCompleted).
		Count(&pending).Error; err != nil {
		return false, fmt.Errorf("error counting pending shards for run %s: %w", runId, err)
	}
	if pending > 0 {
		return false, nil
	}

	result := db.WithContext(ctx).Model(&PipelineRun{}).
		Where("id = ? AND status = ?", runId, JobRunning).
		Updates(map[string]any{"status": JobCompleted, "completion_time": time.Now().UTC()})
	if result.Error != nil {
		return false, fmt.Errorf("error completing run %s: %w", runId, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// FailRun marks a running run as failed. It returns false if the run had
// already left the RUNNING state.
func FailRun(ctx context.Context, db *gorm.DB, runId uuid.UUID) (bool, error) {
	result := db.WithContext(ctx).Model(&PipelineRun{}).
		Where("id = ? AND status = ?", runId, JobRunning).
		Updates(map[string]any{"status": JobFailed, "completion_time": time.Now().UTC()})
	if result.Error != nil {
		return false, fmt.Errorf("error failing run %s: %w", runId, result.Error)
	}
	return result.RowsAffected == 1, nil
}
