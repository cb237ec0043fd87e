package pipeline

// Stage is one step of a pipeline run. Stages run in strict sequence; each
// is a barrier the next stage crosses only on success.
type Stage string

const (
	StageAttach     Stage = "attach"
	StageSchemaSync Stage = "schema_sync"
	StageCompute    Stage = "compute"
	StageWrite      Stage = "write"
	StageCommit     Stage = "commit"

	// StageSucceeded and StageFailed are terminal.
	StageSucceeded Stage = "succeeded"
	StageFailed    Stage = "failed"
)

// Outcome is how a stage ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeFailed
)

// Terminal reports whether the stage ends the run.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// Transition is the single state transition function. Any failure moves to
// the failed terminal state; success advances along the fixed sequence.
func Transition(s Stage, o Outcome) Stage {
	if o == OutcomeFailed {
		return StageFailed
	}
	switch s {
	case StageAttach:
		return StageSchemaSync
	case StageSchemaSync:
		return StageCompute
	case StageCompute:
		return StageWrite
	case StageWrite:
		return StageCommit
	case StageCommit:
		return StageSucceeded
	default:
		return s
	}
}
