package types

// Metadata tracks timing and coverage of the latest pipeline run for a model.
// Timestamps are unix seconds, duration is in seconds.
type Metadata struct {
	ModelId                 string `json:"model_id"`
	PredsInStore            bool   `json:"preds_in_store"`
	TotalUniquePreds        int64  `json:"total_unique_preds"`
	PredsLastUpdated        int64  `json:"preds_last_updated"`
	PipelineLatestStartTime int64  `json:"pipeline_latest_start_time"`
	PipelineLatestDuration  int64  `json:"pipeline_latest_duration"`
	PipelineMetaLocation    string `json:"pipeline_meta_location"`
}
