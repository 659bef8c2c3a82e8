package api

import (
	"time"

	"github.com/google/uuid"
)

type RegisterRequest struct {
	RequestId string `json:"RequestId,omitempty"`
	ModelId   string
	Inputs    []string
}

type RegisterResponse struct {
	RequestId string
}

type LookupParams struct {
	ModelId string `schema:"model_id,required"`
}

type PredictionRow struct {
	InputKey string
	Input    string
	Output   []any
}

type LookupResponse struct {
	RequestId string
	ModelId   string
	Requested int
	Matched   int
	Results   []PredictionRow
}

type ExportResponse struct {
	Url string
}

type BatchGetRequest struct {
	ModelId   string
	InputKeys []string
}

type CachedPrediction struct {
	InputKey  string
	Input     string
	Output    []any
	WrittenAt time.Time
}

type BatchGetResponse struct {
	ModelId     string
	Predictions []CachedPrediction
	Missing     []string
}

type Model struct {
	Id           string
	Description  string
	ExecutorKind string
}

type AvailabilityResponse struct {
	ModelId   string
	Available bool
}

type StartPipelineRequest struct {
	ModelId    string
	Sha        string `json:"Sha,omitempty"`
	Shards     int
	SampleSize int `json:"SampleSize,omitempty"`
}

type StartPipelineResponse struct {
	RunId uuid.UUID
}

type ShardStatus struct {
	Shard           int
	Status          string
	RowStart        int
	RowEnd          int
	PredictionCount int
	Error           string `json:"Error,omitempty"`
}

type PipelineRunResponse struct {
	Id             uuid.UUID
	ModelId        string
	Sha            string
	Status         string
	Shards         int
	SampleSize     int
	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
	ShardTasks     []ShardStatus
}
