package pipeline

import (
	"time"

	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/schema"
)

// Status is the terminal outcome of one run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Timings holds per-stage durations in seconds.
type Timings struct {
	Attach     float64 `json:"attach"`
	SchemaSync float64 `json:"schema_sync"`
	Compute    float64 `json:"compute"`
	Write      float64 `json:"write"`
}

// ErrorDetail is the serializable view of a run error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the structured outcome of one pipeline run. It is produced once
// per run and returned to the caller; the engine never persists it.
type Result struct {
	PipelineName string    `json:"pipeline_name"`
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`

	Status      Status `json:"status"`
	FailedStage Stage  `json:"failed_stage,omitempty"`

	// RowsProcessed is the number of rows the write reported, or the
	// source count when the executor does not report write counts.
	RowsProcessed int64   `json:"rows_processed"`
	Timings       Timings `json:"timings"`

	// Sample is the bounded row sample, nil when sampling is off or the
	// sample sub-step failed.
	Sample []core.Row `json:"sample,omitempty"`

	// GeneratedStatements lists every access and write statement the run
	// produced, in order, so failures are diagnosable without re-running.
	GeneratedStatements []string `json:"generated_statements"`

	// SchemaDiff is the source-versus-target diff observed during schema
	// sync, nil when the target did not yet exist.
	SchemaDiff *schema.Diff `json:"schema_diff,omitempty"`

	// Watermark is the committed incremental value, empty when the
	// pipeline has no incremental key or the run failed.
	Watermark string `json:"watermark,omitempty"`

	Error    *ErrorDetail `json:"error,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}
