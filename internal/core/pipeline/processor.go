package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"precalc-backend/internal/core/types"
	"precalc-backend/internal/database"
	"precalc-backend/internal/messaging"
	"precalc-backend/internal/metrics"

	"gorm.io/gorm"
)

type TaskProcessor struct {
	db       *gorm.DB
	runner   *ShardRunner
	tracker  RunTracker
	reciever messaging.Reciever
	now      func() time.Time
}

func NewTaskProcessor(db *gorm.DB, runner *ShardRunner, tracker RunTracker, reciever messaging.Reciever) *TaskProcessor {
	return &TaskProcessor{
		db:       db,
		runner:   runner,
		tracker:  tracker,
		reciever: reciever,
		now:      time.Now,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.ShardQueue:
		var payload messaging.ShardTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling shard task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processShardTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processShardTask(ctx context.Context, payload messaging.ShardTaskPayload) error {
	runId, shard := payload.RunId, payload.Shard

	var run database.PipelineRun
	if err := proc.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		slog.Error("error fetching pipeline run", "run_id", runId, "error", err)
		return fmt.Errorf("error getting pipeline run %s: %w", runId, err)
	}

	if run.Status != database.JobRunning {
		slog.Info("run no longer running, skipping shard", "run_id", runId, "shard", shard, "status", run.Status)
		return nil
	}

	slog.Info("processing shard task", "run_id", runId, "model_id", payload.ModelId, "shard", shard, "shards", payload.Shards)
	if err := database.UpdateShardTaskStatus(ctx, proc.db, runId, shard, database.JobRunning); err != nil {
		return fmt.Errorf("error updating shard status: %w", err)
	}

	result, err := proc.runner.Run(ctx, ShardJob{
		ModelId: payload.ModelId,
		Sha:     payload.Sha,
		Spec: types.ShardSpec{
			Numerator:   shard,
			Denominator: payload.Shards,
			SampleSize:  payload.SampleSize,
		},
	})
	if err != nil {
		metrics.ShardsProcessed.WithLabelValues(payload.ModelId, database.JobFailed).Inc()
		proc.failShard(ctx, payload, err)
		return err
	}

	if err := proc.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := database.SaveShardTaskResult(ctx, txn, runId, shard, result.Range.Start, result.Range.End, result.Predictions); err != nil {
			return err
		}
		return database.UpdateShardTaskStatus(ctx, txn, runId, shard, database.JobCompleted)
	}); err != nil {
		return fmt.Errorf("error saving shard result: %w", err)
	}
	metrics.ShardsProcessed.WithLabelValues(payload.ModelId, database.JobCompleted).Inc()

	slog.Info("shard completed", "run_id", runId, "shard", shard, "start", result.Range.Start, "end", result.Range.End, "predictions", result.Predictions)

	done, err := database.CompleteRunIfDone(ctx, proc.db, runId)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	meta, err := proc.tracker.EndRun(ctx, payload.ModelId, proc.now().Unix(), "")
	if err != nil {
		slog.Error("error recording run end", "run_id", runId, "model_id", payload.ModelId, "error", err)
		return fmt.Errorf("error recording end of run %s: %w", runId, err)
	}

	slog.Info("pipeline run completed", "run_id", runId, "model_id", payload.ModelId, "duration", meta.PipelineLatestDuration, "total_unique_preds", meta.TotalUniquePreds)
	return nil
}

func (proc *TaskProcessor) failShard(ctx context.Context, payload messaging.ShardTaskPayload, cause error) {
	slog.Error("shard failed", "run_id", payload.RunId, "shard", payload.Shard, "error", cause)

	database.SaveShardTaskError(ctx, proc.db, payload.RunId, payload.Shard, cause.Error())
	if err := database.UpdateShardTaskStatus(ctx, proc.db, payload.RunId, payload.Shard, database.JobFailed); err != nil {
		slog.Error("error marking shard as failed", "run_id", payload.RunId, "shard", payload.Shard, "error", err)
	}
	if _, err := database.FailRun(ctx, proc.db, payload.RunId); err != nil {
		slog.Error("error marking run as failed", "run_id", payload.RunId, "error", err)
	}
}
