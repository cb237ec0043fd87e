// Package watermark tracks incremental progress per pipeline. A watermark is
// committed only after a successful write, so a failed run re-reads the same
// window on retry.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/sluicedata/sluice/pkg/errors"
)

// RunStatus records how the committing run ended.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// State is the durable incremental position of one pipeline.
type State struct {
	// PipelineName keys the state; one entry per pipeline.
	PipelineName string `json:"pipeline_name"`
	// IncrementalKey is the column the watermark tracks. A key change
	// invalidates the stored value.
	IncrementalKey string `json:"incremental_key"`
	// LastValue is the highest observed key value, serialized as a string
	// so timestamps, integers and lexicographic keys all round-trip.
	LastValue string `json:"last_value"`
	// LastRunAt is when the committing run finished.
	LastRunAt time.Time `json:"last_run_at"`
	// LastStatus is the committing run's outcome.
	LastStatus RunStatus `json:"last_status"`
}

// Store persists watermark state.
type Store interface {
	// Get returns the state for a pipeline, or nil when none exists.
	Get(ctx context.Context, pipelineName string) (*State, error)
	// Commit durably replaces the state for the pipeline named in it.
	// prior is the state the run observed at Get (nil when none existed);
	// the commit succeeds only while the stored state still matches it.
	// When another run committed in between, Commit leaves the stored
	// state untouched and returns a write_conflict error, so a slow run
	// can never roll a newer watermark back.
	Commit(ctx context.Context, state *State, prior *State) error
	// Clear removes the state for a pipeline. Clearing an absent state is
	// not an error.
	Clear(ctx context.Context, pipelineName string) error
}

// matches reports whether a stored state is the one a run observed at Get.
// Identity is the committed position, not the full struct, so states that
// round-trip through serialization still match.
func matches(stored *State, prior *State) bool {
	if stored == nil || prior == nil {
		return stored == nil && prior == nil
	}
	return stored.LastValue == prior.LastValue && stored.LastRunAt.Equal(prior.LastRunAt)
}

// conflict builds the error every store returns on a lost commit race.
func conflict(pipelineName string) error {
	return errors.New(errors.ErrorTypeWriteConflict,
		fmt.Sprintf("watermark for %s was committed by another run", pipelineName))
}
