package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"precalc-backend/internal/config"
	"precalc-backend/internal/core/partition"
	"precalc-backend/internal/core/types"
	"precalc-backend/internal/database"
	"precalc-backend/internal/messaging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RunTracker interface {
	StartRun(ctx context.Context, modelId string, startTs int64) (types.Metadata, error)
	EndRun(ctx context.Context, modelId string, endTs int64, location string) (types.Metadata, error)
}

type StartRequest struct {
	ModelId    string
	Sha        string
	Shards     int
	SampleSize int
}

// Coordinator starts pipeline runs: it records the run start once and fans the
// run out as one queued task per shard.
type Coordinator struct {
	db        *gorm.DB
	registry  *config.ModelRegistry
	tracker   RunTracker
	publisher messaging.Publisher
	now       func() time.Time
}

func NewCoordinator(db *gorm.DB, registry *config.ModelRegistry, tracker RunTracker, publisher messaging.Publisher) *Coordinator {
	return &Coordinator{
		db:        db,
		registry:  registry,
		tracker:   tracker,
		publisher: publisher,
		now:       time.Now,
	}
}

func (c *Coordinator) StartPipeline(ctx context.Context, req StartRequest) (uuid.UUID, error) {
	if _, ok := c.registry.Get(req.ModelId); !ok {
		return uuid.Nil, fmt.Errorf("model %s: %w", req.ModelId, types.ErrUnknownModel)
	}
	if err := partition.Validate(0, types.ShardSpec{Numerator: 1, Denominator: req.Shards, SampleSize: req.SampleSize}); err != nil {
		return uuid.Nil, err
	}
	if req.Sha == "" {
		req.Sha = uuid.New().String()[:8]
	}

	startTs := c.now().Unix()

	run := database.PipelineRun{
		Id:           uuid.New(),
		ModelId:      req.ModelId,
		Sha:          req.Sha,
		Status:       database.JobRunning,
		StartTime:    startTs,
		CreationTime: c.now().UTC(),
		Shards:       req.Shards,
		SampleSize:   req.SampleSize,
	}
	for shard := 1; shard <= req.Shards; shard++ {
		run.ShardTasks = append(run.ShardTasks, database.ShardTask{
			RunId:        run.Id,
			Shard:        shard,
			Status:       database.JobQueued,
			CreationTime: run.CreationTime,
		})
	}

	if err := c.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating pipeline run", "model_id", req.ModelId, "error", err)
		return uuid.Nil, fmt.Errorf("error creating pipeline run: %w", err)
	}

	if _, err := c.tracker.StartRun(ctx, req.ModelId, startTs); err != nil {
		c.failRun(ctx, run.Id)
		return uuid.Nil, fmt.Errorf("error recording run start for model %s: %w", req.ModelId, err)
	}

	for shard := 1; shard <= req.Shards; shard++ {
		payload := messaging.ShardTaskPayload{
			RunId:      run.Id,
			ModelId:    req.ModelId,
			Sha:        req.Sha,
			Shard:      shard,
			Shards:     req.Shards,
			SampleSize: req.SampleSize,
		}
		if err := c.publisher.PublishShardTask(ctx, payload); err != nil {
			slog.Error("error publishing shard task", "run_id", run.Id, "shard", shard, "error", err)
			c.failRun(ctx, run.Id)
			return uuid.Nil, fmt.Errorf("error publishing shard %d of run %s: %w", shard, run.Id, err)
		}
	}

	slog.Info("pipeline run started", "run_id", run.Id, "model_id", req.ModelId, "sha", req.Sha, "shards", req.Shards)
	return run.Id, nil
}

func (c *Coordinator) failRun(ctx context.Context, runId uuid.UUID) {
	if _, err := database.FailRun(ctx, c.db, runId); err != nil {
		slog.Error("error marking run as failed", "run_id", runId, "error", err)
	}
}

// RequeueUnfinished publishes a task for every shard of a running run that has
// not completed. It returns the number of tasks published.
func (c *Coordinator) RequeueUnfinished(ctx context.Context) (int, error) {
	var runs []database.PipelineRun
	err := c.db.WithContext(ctx).
		Preload("ShardTasks", func(db *gorm.DB) *gorm.DB { return db.Order("shard") }).
		Where("status = ?", database.JobRunning).
		Find(&runs).Error
	if err != nil {
		return 0, fmt.Errorf("error listing running pipeline runs: %w", err)
	}

	published := 0
	for _, run := range runs {
		for _, task := range run.ShardTasks {
			if task.Status == database.JobCompleted {
				continue
			}
			payload := messaging.ShardTaskPayload{
				RunId:      run.Id,
				ModelId:    run.ModelId,
				Sha:        run.Sha,
				Shard:      task.Shard,
				Shards:     run.Shards,
				SampleSize: run.SampleSize,
			}
			if err := c.publisher.PublishShardTask(ctx, payload); err != nil {
				return published, fmt.Errorf("error requeueing shard %d of run %s: %w", task.Shard, run.Id, err)
			}
			published++
		}
	}

	if published > 0 {
		slog.Info("requeued unfinished shards", "runs", len(runs), "tasks", published)
	}
	return published, nil
}

var ErrRunNotFound = errors.New("pipeline run not found")

func (c *Coordinator) GetRun(ctx context.Context, runId uuid.UUID) (database.PipelineRun, error) {
	var run database.PipelineRun
	err := c.db.WithContext(ctx).
		Preload("ShardTasks", func(db *gorm.DB) *gorm.DB { return db.Order("shard") }).
		First(&run, "id = ?", runId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.PipelineRun{}, fmt.Errorf("run %s: %w", runId, ErrRunNotFound)
		}
		return database.PipelineRun{}, fmt.Errorf("error retrieving run %s: %w", runId, err)
	}
	return run, nil
}
