package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchRunsTotal tracks finished batch runs by outcome
	BatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "populator_batch_runs_total",
			Help: "Total number of finished batch runs",
		},
		[]string{"outcome"},
	)

	// CandidatesSelected tracks candidates picked by the selection algorithm
	CandidatesSelected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "populator_candidates_selected_total",
			Help: "Total number of candidates selected for generation",
		},
	)

	// GenerationResults tracks per-item generation outcomes
	GenerationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "populator_generation_results_total",
			Help: "Total number of per-candidate generation outcomes",
		},
		[]string{"result"},
	)

	// PipelineErrors tracks classified errors by category and severity
	PipelineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "populator_pipeline_errors_total",
			Help: "Total number of classified pipeline errors",
		},
		[]string{"category", "severity"},
	)

	// ItemDuration tracks per-candidate generation latency
	ItemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "populator_item_duration_seconds",
			Help:    "Per-candidate generation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// ApprovedPoolSize tracks the current approved, unassigned pool
	ApprovedPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "populator_approved_pool_size",
			Help: "Approved, unassigned candidates available for selection",
		},
	)

	// ProviderCalls tracks upstream API calls per provider
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "populator_provider_calls_total",
			Help: "Total number of upstream API calls",
		},
		[]string{"provider"},
	)

	// QuotaRemaining tracks the remaining daily budget per provider
	QuotaRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "populator_quota_remaining",
			Help: "Remaining daily API-call budget per provider",
		},
		[]string{"provider"},
	)

	// DBConnectionPoolUsage tracks database pool utilization percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "populator_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)

	// AvatarJobsEnqueued tracks avatar jobs pushed onto the queue
	AvatarJobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "populator_avatar_jobs_enqueued_total",
			Help: "Total number of avatar jobs enqueued",
		},
	)
)
