// Package metrics exposes Prometheus instrumentation for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineRuns counts completed runs by outcome.
	// Labels: pipeline, status (success/failed)
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline", "status"},
	)

	// StageDuration tracks how long each run stage takes.
	// Labels: pipeline, stage (attach/schema_sync/compute/write/commit)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sluice_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"pipeline", "stage"},
	)

	// RowsRead counts source rows counted before write, when counting is
	// enabled for the pipeline.
	RowsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_rows_read_total",
			Help: "Total number of source rows read",
		},
		[]string{"pipeline"},
	)

	// SchemaChanges counts schema evolution actions applied to targets.
	// Labels: pipeline, change (add_column)
	SchemaChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_schema_changes_total",
			Help: "Total number of applied schema changes",
		},
		[]string{"pipeline", "change"},
	)

	// RetryAttempts counts retry attempts by stage.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_retry_attempts_total",
			Help: "Total number of retried stage attempts",
		},
		[]string{"pipeline", "stage"},
	)
)

// Timer observes elapsed time into StageDuration on Stop.
type Timer struct {
	pipeline string
	stage    string
	start    time.Time
}

// NewStageTimer starts timing a stage.
func NewStageTimer(pipeline, stage string) *Timer {
	return &Timer{pipeline: pipeline, stage: stage, start: time.Now()}
}

// Stop records the elapsed duration and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	StageDuration.WithLabelValues(t.pipeline, t.stage).Observe(elapsed.Seconds())
	return elapsed
}
