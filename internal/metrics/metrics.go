package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheItemsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precalc_cache_items_written_total",
		Help: "Predictions successfully written to the cache.",
	}, []string{"model_id"})

	CacheItemsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precalc_cache_items_retried_total",
		Help: "Predictions resubmitted after the cache left them unprocessed.",
	}, []string{"model_id"})

	CacheItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precalc_cache_items_failed_total",
		Help: "Predictions that could not be written after all retries.",
	}, []string{"model_id"})

	LookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "precalc_lookup_duration_seconds",
		Help:    "Duration of request lookups against the cache.",
		Buckets: prometheus.DefBuckets,
	}, []string{"model_id", "outcome"})

	ShardsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precalc_shards_processed_total",
		Help: "Pipeline shards processed by this worker.",
	}, []string{"model_id", "status"})

	ExecutorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "precalc_executor_duration_seconds",
		Help:    "Wall time of model executor invocations.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"model_id"})
)
