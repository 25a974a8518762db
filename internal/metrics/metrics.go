package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxtrack_runs_registered_total",
			Help: "Run registrations by registry (forecast or observation)",
		},
		[]string{"registry"},
	)

	FactsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxtrack_facts_upserted_total",
			Help: "Fact rows upserted by table",
		},
		[]string{"table"},
	)

	PartitionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxtrack_partition_ops_total",
			Help: "Partition lifecycle operations",
		},
		[]string{"op"},
	)

	ErrorsComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wxtrack_forecast_errors_computed_total",
			Help: "Derived forecast error rows written",
		},
	)

	RevisionsComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wxtrack_forecast_revisions_computed_total",
			Help: "Derived forecast revision rows written",
		},
	)

	StatsRecomputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wxtrack_dashboard_stats_recomputed_total",
			Help: "Dashboard stat snapshots recomputed",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wxtrack_job_duration_seconds",
			Help:    "Batch job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxtrack_job_failures_total",
			Help: "Batch job failures",
		},
		[]string{"job"},
	)

	SkippedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxtrack_skipped_items_total",
			Help: "Per-item failures skipped during batch passes",
		},
		[]string{"job"},
	)
)
