package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argoverify_queries_total",
			Help: "Validation queries by shape and outcome",
		},
		[]string{"shape", "outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argoverify_cache_lookups_total",
			Help: "Query cache lookups by result",
		},
		[]string{"result"},
	)

	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argoverify_cache_invalidated_entries_total",
			Help: "Cached results dropped because new samples arrived",
		},
	)

	AggregationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argoverify_aggregation_seconds",
			Help:    "Time spent computing a query result on a cache miss",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shape"},
	)

	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argoverify_samples_ingested_total",
			Help: "Observation and forecast samples stored",
		},
		[]string{"source", "variable"},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argoverify_samples_rejected_total",
			Help: "Samples rejected at ingest",
		},
		[]string{"source", "reason"},
	)

	ForecastPulls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argoverify_forecast_pulls_total",
			Help: "Forecast file pulls by status",
		},
		[]string{"status"},
	)
)
