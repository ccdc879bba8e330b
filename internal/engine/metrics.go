package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recordsExtracted counts records read from plugin sources.
	recordsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_records_extracted_total",
			Help: "Total number of records extracted from sources",
		},
		[]string{"plugin"},
	)

	// recordsSkipped counts records dropped by per-record transform failures.
	recordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_records_skipped_total",
			Help: "Total number of records skipped during transform",
		},
		[]string{"plugin"},
	)

	// batchesLoaded counts batches handed to the load stage.
	batchesLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_batches_loaded_total",
			Help: "Total number of batches flushed to the load stage",
		},
		[]string{"plugin", "strategy"},
	)

	// rowsWritten counts store rows affected, labeled by operation kind.
	rowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_rows_written_total",
			Help: "Total number of store rows affected by load",
		},
		[]string{"plugin", "table", "operation"},
	)

	// runsTotal counts completed runs by terminal status.
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"plugin", "mode", "status"},
	)

	// runDuration tracks end-to-end run duration in seconds.
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etl_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"plugin", "mode"},
	)
)
