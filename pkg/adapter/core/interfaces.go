// Package core defines the adapter capability interface and the access/write
// descriptors adapters produce.
//
// Adapters never execute reads or writes themselves. They describe a
// relation's schema from backend metadata and generate backend-appropriate
// access statements; execution is delegated to the Executor capability
// supplied by the embedding caller.
package core

import (
	"context"

	"github.com/sluicedata/sluice/pkg/schema"
)

// Row is one sampled row as a column-name to value mapping.
type Row map[string]interface{}

// RelationLocator identifies one relation within a backend. Relational kinds
// use Schema and Table; object-storage kinds use Path. Alias is the
// attachment name used to qualify the relation in generated statements.
type RelationLocator struct {
	Schema string
	Table  string
	Path   string
	Alias  string
}

// Predicate is the incremental filter applied to a source read. It is
// derived from the stored watermark and nil when no incremental key is
// configured, in which case the read is a full scan.
type Predicate struct {
	Column   string
	Operator string
	Value    string
}

// AccessPlan is a backend-specific descriptor of how to read a relation.
// The orchestrator hands it to the query-execution capability; the binds
// slice carries the predicate value for backends with placeholder support.
type AccessPlan struct {
	// Relation is the expression for the filtered relation, usable as a
	// scan target in a write statement.
	Relation string
	// Query reads the full filtered row set.
	Query string
	// CountQuery counts the filtered row set.
	CountQuery string
	// SampleQuery reads the bounded sample; empty when sampling is off.
	SampleQuery string
	Binds       []interface{}
	Predicate   *Predicate
}

// WriteMode selects how the target relation receives rows.
type WriteMode string

const (
	// WriteModeCreate creates a fresh relation and bulk-loads into it.
	WriteModeCreate WriteMode = "create"
	// WriteModeAppend issues a pure insert.
	WriteModeAppend WriteMode = "append"
	// WriteModeOverwrite replaces the relation's content.
	WriteModeOverwrite WriteMode = "overwrite"
	// WriteModeUpsert merges on the unique keys, updating non-key columns
	// on conflict and inserting otherwise.
	WriteModeUpsert WriteMode = "upsert"
)

// WriteOptions parameterize write statement generation.
type WriteOptions struct {
	Mode WriteMode
	// UniqueKeys key the merge in upsert mode.
	UniqueKeys []string
	// Columns is the synced source schema, used to enumerate non-key
	// columns in merge statements.
	Columns []schema.Column
	// SourceExpr is the source adapter's relation expression the write
	// reads from.
	SourceExpr string
	// Binds carries the source plan's bind values into the write action.
	Binds []interface{}
}

// WriteAction is an ordered sequence of backend statements implementing one
// write. Statements run in order inside one transaction where the backend
// supports it.
type WriteAction struct {
	Mode       WriteMode
	Statements []string
	Binds      []interface{}
}

// Adapter is the per-backend capability set. Implementations acquire their
// backend connection in Attach for the duration of one run and must release
// it in Close on every exit path; there is no cross-run pooling.
type Adapter interface {
	// Kind returns the backend kind tag the adapter was registered under.
	Kind() string

	// Attach acquires the backend connection or verifies the object is
	// reachable. Network failures during Attach are retryable.
	Attach(ctx context.Context) error

	// Close releases the connection unconditionally.
	Close(ctx context.Context) error

	// Describe issues a metadata-only probe for the relation's schema.
	// It never scans data. A missing relation yields a not_found error.
	Describe(ctx context.Context, loc RelationLocator) (*schema.Snapshot, error)

	// ReadPlan generates the access descriptor for the relation, with the
	// incremental predicate applied when non-nil and a sample statement
	// when sampleRows is positive.
	ReadPlan(loc RelationLocator, pred *Predicate, sampleRows int) (*AccessPlan, error)

	// WritePlan generates the write action for the relation.
	WritePlan(loc RelationLocator, opts WriteOptions) (*WriteAction, error)

	// AlterPlans generates one alter-equivalent statement per added
	// column, issued before the write under the evolve policy.
	AlterPlans(loc RelationLocator, added []schema.Column) ([]string, error)
}

// Executor is the query-execution capability the engine delegates to. The
// engine only produces descriptors; an Executor implementation owns the
// actual scan and write execution against the attached backends.
type Executor interface {
	Count(ctx context.Context, plan *AccessPlan) (int64, error)
	Sample(ctx context.Context, plan *AccessPlan) ([]Row, error)
	// Max returns the maximum value of the named column within the plan's
	// row set, as a string, or "" when the row set is empty.
	Max(ctx context.Context, plan *AccessPlan, column string) (string, error)
	// Write executes the action and returns the number of rows written.
	Write(ctx context.Context, action *WriteAction) (int64, error)
	// Exec runs a single statement, used for alter-equivalent operations.
	Exec(ctx context.Context, statement string) error
}
