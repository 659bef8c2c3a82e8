package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"precalc-backend/internal/config"
	"precalc-backend/internal/core/metadata"
	"precalc-backend/internal/core/pipeline"
	"precalc-backend/internal/core/requests"
	"precalc-backend/internal/database"
	"precalc-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type MetadataReader interface {
	Get(ctx context.Context, modelId string) (metadata.Lookup, error)
}

type BackendService struct {
	requests    *requests.Service
	metadata    MetadataReader
	coordinator *pipeline.Coordinator
	registry    *config.ModelRegistry
}

func NewBackendService(requests *requests.Service, metadata MetadataReader, coordinator *pipeline.Coordinator, registry *config.ModelRegistry) *BackendService {
	return &BackendService{
		requests:    requests,
		metadata:    metadata,
		coordinator: coordinator,
		registry:    registry,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/requests", func(r chi.Router) {
		r.Post("/", RestHandler(s.RegisterRequest))
		r.Get("/{request_id}/predictions", RestHandler(s.LookupPredictions))
		r.Post("/{request_id}/export", RestHandler(s.ExportPredictions))
	})
	r.Post("/predictions/batch-get", RestHandler(s.BatchGet))
	r.Route("/models", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListModels))
		r.Get("/{model_id}/availability", RestHandler(s.GetAvailability))
		r.Get("/{model_id}/metadata", RestHandler(s.GetMetadata))
	})
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", RestHandler(s.StartPipeline))
		r.Get("/{run_id}", RestHandler(s.GetRun))
	})
}

func (s *BackendService) checkModel(modelId string) error {
	if err := validateIdentifier("model id", modelId); err != nil {
		return err
	}
	if _, ok := s.registry.Get(modelId); !ok {
		return CodedErrorf(http.StatusNotFound, "model '%s' not found", modelId)
	}
	return nil
}

func (s *BackendService) RegisterRequest(r *http.Request) (any, error) {
	req, err := ParseRequest[api.RegisterRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.checkModel(req.ModelId); err != nil {
		return nil, err
	}
	if len(req.Inputs) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "request must contain at least one input")
	}

	if req.RequestId == "" {
		req.RequestId = uuid.New().String()
	} else if err := validateIdentifier("request id", req.RequestId); err != nil {
		return nil, err
	}

	if err := s.requests.RegisterRequest(r.Context(), req.RequestId, req.ModelId, req.Inputs); err != nil {
		return nil, err
	}

	return api.RegisterResponse{RequestId: req.RequestId}, nil
}

func (s *BackendService) requestParams(r *http.Request) (string, string, error) {
	requestId, err := URLParamIdentifier(r, "request_id")
	if err != nil {
		return "", "", err
	}

	params, err := ParseRequestQueryParams[api.LookupParams](r)
	if err != nil {
		return "", "", err
	}
	if err := s.checkModel(params.ModelId); err != nil {
		return "", "", err
	}

	return requestId, params.ModelId, nil
}

func (s *BackendService) LookupPredictions(r *http.Request) (any, error) {
	requestId, modelId, err := s.requestParams(r)
	if err != nil {
		return nil, err
	}

	rows, coverage, err := s.requests.LookupWithCoverage(r.Context(), requestId, modelId)
	if err != nil {
		return nil, err
	}

	results := make([]api.PredictionRow, 0, len(rows))
	for _, row := range rows {
		results = append(results, api.PredictionRow{InputKey: row.InputKey, Input: row.Input, Output: row.Output})
	}

	return api.LookupResponse{
		RequestId: requestId,
		ModelId:   modelId,
		Requested: coverage.Requested,
		Matched:   coverage.Matched,
		Results:   results,
	}, nil
}

func (s *BackendService) ExportPredictions(r *http.Request) (any, error) {
	requestId, modelId, err := s.requestParams(r)
	if err != nil {
		return nil, err
	}

	url, err := s.requests.Export(r.Context(), requestId, modelId)
	if err != nil {
		return nil, err
	}

	return api.ExportResponse{Url: url}, nil
}

func (s *BackendService) BatchGet(r *http.Request) (any, error) {
	req, err := ParseRequest[api.BatchGetRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.checkModel(req.ModelId); err != nil {
		return nil, err
	}

	found, err := s.requests.BatchGet(r.Context(), req.ModelId, req.InputKeys)
	if err != nil {
		return nil, err
	}

	res := api.BatchGetResponse{ModelId: req.ModelId, Predictions: make([]api.CachedPrediction, 0, len(found))}
	hits := make(map[string]bool, len(found))
	for _, pred := range found {
		hits[pred.InputKey] = true
		res.Predictions = append(res.Predictions, api.CachedPrediction{
			InputKey:  pred.InputKey,
			Input:     pred.Input,
			Output:    pred.Output,
			WrittenAt: pred.WrittenAt,
		})
	}
	for _, key := range req.InputKeys {
		key = strings.TrimSpace(key)
		if key != "" && !hits[key] {
			hits[key] = true
			res.Missing = append(res.Missing, key)
		}
	}

	return res, nil
}

func (s *BackendService) ListModels(r *http.Request) (any, error) {
	ids := s.registry.Ids()
	models := make([]api.Model, 0, len(ids))
	for _, id := range ids {
		model, _ := s.registry.Get(id)
		models = append(models, api.Model{Id: model.Id, Description: model.Description, ExecutorKind: model.Executor.Kind})
	}
	return models, nil
}

func (s *BackendService) GetAvailability(r *http.Request) (any, error) {
	modelId, err := URLParamIdentifier(r, "model_id")
	if err != nil {
		return nil, err
	}
	if err := s.checkModel(modelId); err != nil {
		return nil, err
	}

	available, err := s.requests.Availability(r.Context(), modelId)
	if err != nil {
		return nil, err
	}

	return api.AvailabilityResponse{ModelId: modelId, Available: available}, nil
}

func (s *BackendService) GetMetadata(r *http.Request) (any, error) {
	modelId, err := URLParamIdentifier(r, "model_id")
	if err != nil {
		return nil, err
	}
	if err := s.checkModel(modelId); err != nil {
		return nil, err
	}

	lookup, err := s.metadata.Get(r.Context(), modelId)
	if err != nil {
		return nil, err
	}
	if !lookup.Found {
		return nil, CodedErrorf(http.StatusNotFound, "no metadata recorded for model '%s'", modelId)
	}

	return lookup.Metadata, nil
}

func (s *BackendService) StartPipeline(r *http.Request) (any, error) {
	req, err := ParseRequest[api.StartPipelineRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.checkModel(req.ModelId); err != nil {
		return nil, err
	}
	if req.Sha != "" {
		if err := validateIdentifier("sha", req.Sha); err != nil {
			return nil, err
		}
	}

	runId, err := s.coordinator.StartPipeline(r.Context(), pipeline.StartRequest{
		ModelId:    req.ModelId,
		Sha:        req.Sha,
		Shards:     req.Shards,
		SampleSize: req.SampleSize,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("submitted pipeline run", "run_id", runId, "model_id", req.ModelId)
	return api.StartPipelineResponse{RunId: runId}, nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, err := s.coordinator.GetRun(r.Context(), runId)
	if err != nil {
		return nil, err
	}

	return convertRun(run), nil
}

func convertRun(run database.PipelineRun) api.PipelineRunResponse {
	res := api.PipelineRunResponse{
		Id:           run.Id,
		ModelId:      run.ModelId,
		Sha:          run.Sha,
		Status:       run.Status,
		Shards:       run.Shards,
		SampleSize:   run.SampleSize,
		CreationTime: run.CreationTime,
	}
	if run.CompletionTime.Valid {
		res.CompletionTime = &run.CompletionTime.Time
	}
	for _, task := range run.ShardTasks {
		res.ShardTasks = append(res.ShardTasks, api.ShardStatus{
			Shard:           task.Shard,
			Status:          task.Status,
			RowStart:        task.RowStart,
			RowEnd:          task.RowEnd,
			PredictionCount: task.PredictionCount,
			Error:           task.Error.String,
		})
	}
	return res
}
