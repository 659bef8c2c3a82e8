package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"precalc-backend/internal/config"
	"precalc-backend/internal/core/normalize"
	"precalc-backend/internal/core/types"
	"precalc-backend/internal/metrics"
)

// Executor runs a model over an ordered list of identities and returns its raw
// tabular output. Implementations are opaque to the pipeline, a failure is
// fatal to the shard that invoked it.
type Executor interface {
	Run(ctx context.Context, modelId string, inputs []string) (normalize.Table, error)
}

type releaser interface {
	Release()
}

// expirer is implemented by executors that can stop working, such as a plugin
// killed after a cancelled run.
type expirer interface {
	Released() bool
}

// Router dispatches each model to the executor configured for it in the model
// registry. Executors are created on first use and reused until released.
type Router struct {
	registry    *config.ModelRegistry
	workDir     string
	newExecutor func(cfg config.ExecutorConfig, workDir string) (Executor, error)

	mu        sync.Mutex
	executors map[string]Executor
}

func NewRouter(registry *config.ModelRegistry, workDir string) *Router {
	return &Router{
		registry:    registry,
		workDir:     workDir,
		newExecutor: New,
		executors:   make(map[string]Executor),
	}
}

func New(cfg config.ExecutorConfig, workDir string) (Executor, error) {
	switch cfg.Kind {
	case config.ExecutorErsilia, "":
		binary := cfg.Binary
		if binary == "" {
			binary = "ersilia"
		}
		return NewErsiliaCLI(binary, workDir), nil
	case config.ExecutorHTTP:
		return NewHTTPExecutor(cfg.URL, cfg.Timeout), nil
	case config.ExecutorPlugin:
		return LoadPluginExecutor(cfg.Binary, cfg.Args...)
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}

func (r *Router) get(modelId string) (Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if exec, ok := r.executors[modelId]; ok {
		if exp, ok := exec.(expirer); !ok || !exp.Released() {
			return exec, nil
		}
		slog.Warn("executor was released, recreating", "model_id", modelId)
		delete(r.executors, modelId)
	}

	model, ok := r.registry.Get(modelId)
	if !ok {
		return nil, fmt.Errorf("model %s: %w", modelId, types.ErrUnknownModel)
	}

	exec, err := r.newExecutor(model.Executor, r.workDir)
	if err != nil {
		return nil, fmt.Errorf("error creating executor for model %s: %w", modelId, err)
	}
	r.executors[modelId] = exec
	return exec, nil
}

func (r *Router) Run(ctx context.Context, modelId string, inputs []string) (normalize.Table, error) {
	exec, err := r.get(modelId)
	if err != nil {
		return normalize.Table{}, err
	}

	start := time.Now()
	table, err := exec.Run(ctx, modelId, inputs)
	metrics.ExecutorDuration.WithLabelValues(modelId).Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("executor failed", "model_id", modelId, "inputs", len(inputs), "error", err)
		return normalize.Table{}, err
	}

	slog.Info("executor finished", "model_id", modelId, "inputs", len(inputs), "rows", len(table.Rows), "duration", time.Since(start))
	return table, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for modelId, exec := range r.executors {
		if rel, ok := exec.(releaser); ok {
			rel.Release()
		}
		delete(r.executors, modelId)
	}
}
