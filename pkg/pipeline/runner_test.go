package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedata/sluice/pkg/adapter/base"
	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/adapter/registry"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/schema"
	"github.com/sluicedata/sluice/pkg/watermark"
)

// fakeAdapter is a scriptable adapter shared by source and target roles.
type fakeAdapter struct {
	kind string

	snapshot    *schema.Snapshot
	describeErr error
	attachErr   error
	// attachFailures fails Attach this many times before succeeding.
	attachFailures int

	attachCalls int
	closed      bool

	readPlanPred *core.Predicate
	writeOpts    *core.WriteOptions
	alterCols    []schema.Column
}

func (f *fakeAdapter) Kind() string { return f.kind }

func (f *fakeAdapter) Attach(ctx context.Context) error {
	f.attachCalls++
	if f.attachFailures > 0 {
		f.attachFailures--
		return errors.New(errors.ErrorTypeConnection, "connection refused")
	}
	return f.attachErr
}

func (f *fakeAdapter) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeAdapter) Describe(ctx context.Context, loc core.RelationLocator) (*schema.Snapshot, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return f.snapshot, nil
}

func (f *fakeAdapter) ReadPlan(loc core.RelationLocator, pred *core.Predicate, sampleRows int) (*core.AccessPlan, error) {
	f.readPlanPred = pred
	query := "SELECT * FROM src_rel"
	if pred != nil {
		query += " WHERE " + pred.Column + " > ?"
	}
	plan := &core.AccessPlan{
		Relation:   "src_rel",
		Query:      query,
		CountQuery: "SELECT COUNT(*) FROM src_rel",
	}
	if pred != nil {
		plan.Binds = []interface{}{pred.Value}
	}
	if sampleRows > 0 {
		plan.SampleQuery = query + " LIMIT 5"
	}
	return plan, nil
}

func (f *fakeAdapter) WritePlan(loc core.RelationLocator, opts core.WriteOptions) (*core.WriteAction, error) {
	f.writeOpts = &opts
	return &core.WriteAction{
		Mode:       opts.Mode,
		Statements: []string{"WRITE " + string(opts.Mode)},
		Binds:      opts.Binds,
	}, nil
}

func (f *fakeAdapter) AlterPlans(loc core.RelationLocator, added []schema.Column) ([]string, error) {
	f.alterCols = added
	stmts := make([]string, len(added))
	for i, col := range added {
		stmts[i] = "ALTER ADD " + col.Name
	}
	return stmts, nil
}

// fakeExecutor scripts the execution capability.
type fakeExecutor struct {
	count    int64
	countErr error

	sample    []core.Row
	sampleErr error

	max    string
	maxErr error

	written  int64
	writeErr error
	// writeFailures fails Write this many times before succeeding.
	writeFailures int

	execStmts    []string
	execErr      error
	writeActions []*core.WriteAction
	writeCalls   int
}

func (e *fakeExecutor) Count(ctx context.Context, plan *core.AccessPlan) (int64, error) {
	return e.count, e.countErr
}

func (e *fakeExecutor) Sample(ctx context.Context, plan *core.AccessPlan) ([]core.Row, error) {
	return e.sample, e.sampleErr
}

func (e *fakeExecutor) Max(ctx context.Context, plan *core.AccessPlan, column string) (string, error) {
	return e.max, e.maxErr
}

func (e *fakeExecutor) Write(ctx context.Context, action *core.WriteAction) (int64, error) {
	e.writeCalls++
	if e.writeFailures > 0 {
		e.writeFailures--
		return 0, errors.New(errors.ErrorTypeConnection, "write connection lost")
	}
	if e.writeErr != nil {
		return 0, e.writeErr
	}
	e.writeActions = append(e.writeActions, action)
	return e.written, nil
}

func (e *fakeExecutor) Exec(ctx context.Context, statement string) error {
	if e.execErr != nil {
		return e.execErr
	}
	e.execStmts = append(e.execStmts, statement)
	return nil
}

// notFoundErr marks a target relation that does not exist yet.
var notFoundErr = errors.New(errors.ErrorTypeNotFound, "relation not found")

func sourceSnap() *schema.Snapshot {
	return &schema.Snapshot{
		Relation: "events",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "name", Type: schema.TypeString, Nullable: true},
			{Name: "updated_at", Type: schema.TypeTimestamp},
		},
	}
}

type fixture struct {
	runner   *Runner
	source   *fakeAdapter
	target   *fakeAdapter
	executor *fakeExecutor
	store    watermark.Store
}

func newFixture(t *testing.T, def *config.PipelineDefinition, source, target *fakeAdapter, exec *fakeExecutor) *fixture {
	t.Helper()

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(config.KindPostgres, func(cfg *config.EndpointConfig) (core.Adapter, error) {
		if cfg.Table == "src" {
			return source, nil
		}
		return target, nil
	}))

	store := watermark.NewMemoryStore()
	runner, err := NewRunner("orders", def, exec, store,
		WithRegistry(reg),
		WithRetryPolicy(&base.RetryPolicy{MaxAttempts: 3, Multiplier: 1, RandomizeFactor: 0}),
	)
	require.NoError(t, err)

	return &fixture{runner: runner, source: source, target: target, executor: exec, store: store}
}

func baseDef() *config.PipelineDefinition {
	def := config.NewPipelineDefinition()
	def.Source = config.EndpointConfig{Kind: config.KindPostgres, Conn: "c", Table: "src"}
	def.Target = config.EndpointConfig{Kind: config.KindPostgres, Conn: "c", Table: "tgt"}
	return def
}

func TestRunHappyPath(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{count: 10, written: 10}

	fx := newFixture(t, baseDef(), source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Empty(t, result.FailedStage)
	assert.Equal(t, int64(10), result.RowsProcessed)
	assert.NotEmpty(t, result.RunID)
	assert.True(t, source.closed)
	assert.True(t, target.closed)
	require.Len(t, exec.writeActions, 1)
	assert.Equal(t, core.WriteModeAppend, exec.writeActions[0].Mode)
	assert.Contains(t, result.GeneratedStatements, "SELECT * FROM src_rel")
	assert.Contains(t, result.GeneratedStatements, "WRITE append")
}

func TestRunCreatesMissingTarget(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", describeErr: notFoundErr}
	exec := &fakeExecutor{written: 5}

	fx := newFixture(t, baseDef(), source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Nil(t, result.SchemaDiff)
	require.NotNil(t, target.writeOpts)
	assert.Equal(t, core.WriteModeCreate, target.writeOpts.Mode)
}

func TestRunPolicyFailStopsBeforeWrite(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	// Target lacks updated_at, so the diff is non-empty.
	target := &fakeAdapter{kind: "postgres", snapshot: &schema.Snapshot{
		Relation: "tgt",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "name", Type: schema.TypeString, Nullable: true},
		},
	}}
	exec := &fakeExecutor{}

	def := baseDef()
	def.SchemaPolicy = string(schema.PolicyFail)

	fx := newFixture(t, def, source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, StageSchemaSync, result.FailedStage)
	assert.Equal(t, string(errors.ErrorTypeSchemaMismatch), result.Error.Type)
	// No write action was ever produced.
	assert.Nil(t, target.writeOpts)
	assert.Zero(t, exec.writeCalls)
	assert.True(t, source.closed)
	assert.True(t, target.closed)
}

func TestRunEvolveAddsColumnsThenWrites(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	// Target is missing name and updated_at.
	target := &fakeAdapter{kind: "postgres", snapshot: &schema.Snapshot{
		Relation: "tgt",
		Columns:  []schema.Column{{Name: "id", Type: schema.TypeInt64}},
	}}
	exec := &fakeExecutor{written: 3}

	def := baseDef()
	def.SchemaPolicy = string(schema.PolicyEvolve)

	fx := newFixture(t, def, source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	// Exactly one alter per added column, issued before the write.
	assert.Equal(t, []string{"ALTER ADD name", "ALTER ADD updated_at"}, exec.execStmts)
	assert.Len(t, target.alterCols, 2)
	require.Len(t, exec.writeActions, 1)
}

func TestRunEvolveNeverNarrows(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: &schema.Snapshot{
		Relation: "src",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "name", Type: schema.TypeString},
		},
	}}
	// Target has an extra column the source lost.
	target := &fakeAdapter{kind: "postgres", snapshot: &schema.Snapshot{
		Relation: "tgt",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "name", Type: schema.TypeString},
			{Name: "email", Type: schema.TypeString},
		},
	}}
	exec := &fakeExecutor{}

	def := baseDef()
	def.SchemaPolicy = string(schema.PolicyEvolve)

	fx := newFixture(t, def, source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, StageSchemaSync, result.FailedStage)
	assert.Equal(t, string(errors.ErrorTypeSchemaMismatch), result.Error.Type)
	require.NotNil(t, result.SchemaDiff)
	require.Len(t, result.SchemaDiff.Removed, 1)
	assert.Equal(t, "email", result.SchemaDiff.Removed[0].Name)
}

func TestRunIncrementalPredicateAndWatermark(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{count: 2, written: 2, max: "2024-01-03"}

	def := baseDef()
	def.Incremental = &config.IncrementalConfig{KeyColumn: "updated_at", Mode: config.IncrementalAppend}

	fx := newFixture(t, def, source, target, exec)

	// Seed a prior watermark.
	require.NoError(t, fx.store.Commit(context.Background(), &watermark.State{
		PipelineName:   "orders",
		IncrementalKey: "updated_at",
		LastValue:      "2024-01-01",
		LastStatus:     watermark.RunStatusSuccess,
	}, nil))

	result, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, source.readPlanPred)
	assert.Equal(t, "updated_at", source.readPlanPred.Column)
	assert.Equal(t, ">", source.readPlanPred.Operator)
	assert.Equal(t, "2024-01-01", source.readPlanPred.Value)

	assert.Equal(t, "2024-01-03", result.Watermark)
	state, err := fx.store.Get(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "2024-01-03", state.LastValue)
}

func TestRunEmptyWindowKeepsWatermark(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{max: ""}

	def := baseDef()
	def.Incremental = &config.IncrementalConfig{KeyColumn: "updated_at", Mode: config.IncrementalAppend}

	fx := newFixture(t, def, source, target, exec)
	require.NoError(t, fx.store.Commit(context.Background(), &watermark.State{
		PipelineName:   "orders",
		IncrementalKey: "updated_at",
		LastValue:      "2024-01-03",
	}, nil))

	result, err := fx.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-03", result.Watermark)

	state, err := fx.store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-03", state.LastValue)
}

func TestRunFullRefreshClearsWatermark(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{written: 9, max: "2024-02-01"}

	def := baseDef()
	def.Incremental = &config.IncrementalConfig{KeyColumn: "updated_at", Mode: config.IncrementalAppend}
	def.Options.FullRefresh = true

	fx := newFixture(t, def, source, target, exec)
	require.NoError(t, fx.store.Commit(context.Background(), &watermark.State{
		PipelineName:   "orders",
		IncrementalKey: "updated_at",
		LastValue:      "2024-01-01",
	}, nil))

	_, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	// The cleared state means no predicate was applied.
	assert.Nil(t, source.readPlanPred)

	// The run still commits the fresh maximum.
	state, err := fx.store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01", state.LastValue)
}

func TestRunUpsertMode(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{written: 1, max: "2024-01-02"}

	def := baseDef()
	def.Incremental = &config.IncrementalConfig{
		KeyColumn:  "updated_at",
		Mode:       config.IncrementalUpsert,
		UniqueKeys: []string{"id"},
	}

	fx := newFixture(t, def, source, target, exec)
	_, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, target.writeOpts)
	assert.Equal(t, core.WriteModeUpsert, target.writeOpts.Mode)
	assert.Equal(t, []string{"id"}, target.writeOpts.UniqueKeys)
}

func TestRunUpsertKeysMustExistInSource(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{}

	def := baseDef()
	def.Incremental = &config.IncrementalConfig{
		KeyColumn:  "updated_at",
		Mode:       config.IncrementalUpsert,
		UniqueKeys: []string{"missing_col"},
	}

	fx := newFixture(t, def, source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, StageSchemaSync, result.FailedStage)
	assert.Equal(t, string(errors.ErrorTypeIncremental), result.Error.Type)
	assert.Zero(t, exec.writeCalls)
}

func TestRunCountAndSampleFailuresAreWarnings(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{
		countErr:  errors.New(errors.ErrorTypeQuery, "count exploded"),
		sampleErr: errors.New(errors.ErrorTypeQuery, "sample exploded"),
		written:   4,
	}

	def := baseDef()
	def.Options.SampleRows = 5

	fx := newFixture(t, def, source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Len(t, result.Warnings, 2)
	assert.Nil(t, result.Sample)
	assert.Equal(t, int64(4), result.RowsProcessed)
}

func TestRunAttachRetriesConnectionErrors(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap(), attachFailures: 2}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{written: 1}

	fx := newFixture(t, baseDef(), source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 3, source.attachCalls)
}

func TestRunAttachExhaustsRetries(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap(), attachFailures: 10}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{}

	fx := newFixture(t, baseDef(), source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, StageAttach, result.FailedStage)
	assert.Equal(t, 3, source.attachCalls)
	assert.True(t, source.closed)
	assert.True(t, target.closed)
}

func TestRunWriteFailureDoesNotCommitWatermark(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{writeFailures: 10}

	def := baseDef()
	def.Incremental = &config.IncrementalConfig{KeyColumn: "updated_at", Mode: config.IncrementalAppend}

	fx := newFixture(t, def, source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, StageWrite, result.FailedStage)
	assert.Equal(t, 3, exec.writeCalls)

	state, err := fx.store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestRunWriteRetriesTransientFailures(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{writeFailures: 1, written: 7}

	fx := newFixture(t, baseDef(), source, target, exec)
	result, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, int64(7), result.RowsProcessed)
	assert.Equal(t, 2, exec.writeCalls)
}

func TestRunCancelledContext(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fx := newFixture(t, baseDef(), source, target, exec)
	result, err := fx.runner.Run(ctx)
	require.Error(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, string(errors.ErrorTypeCancelled), result.Error.Type)
}

func TestRunKeyChangeResetsWatermark(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{written: 1, max: "99"}

	def := baseDef()
	def.Incremental = &config.IncrementalConfig{KeyColumn: "id", Mode: config.IncrementalAppend}

	fx := newFixture(t, def, source, target, exec)
	require.NoError(t, fx.store.Commit(context.Background(), &watermark.State{
		PipelineName:   "orders",
		IncrementalKey: "updated_at",
		LastValue:      "2024-01-01",
	}, nil))

	_, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	// The stored key differs from the configured one, so no predicate.
	assert.Nil(t, source.readPlanPred)
}

func TestNewRunnerValidates(t *testing.T) {
	def := baseDef()
	def.WriteMode = "bogus"

	_, err := NewRunner("orders", def, &fakeExecutor{}, watermark.NewMemoryStore())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.TypeOf(err))
}

// racingStore commits a competing state right after the run observes the
// stored one, simulating a second run of the same pipeline finishing first.
type racingStore struct {
	watermark.Store
	competing *watermark.State
}

func (s *racingStore) Get(ctx context.Context, pipelineName string) (*watermark.State, error) {
	state, err := s.Store.Get(ctx, pipelineName)
	if err != nil {
		return nil, err
	}
	if s.competing != nil {
		c := s.competing
		s.competing = nil
		if err := s.Store.Commit(ctx, c, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func TestRunCommitLosesRaceToConcurrentRun(t *testing.T) {
	source := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	target := &fakeAdapter{kind: "postgres", snapshot: sourceSnap()}
	exec := &fakeExecutor{max: "2024-01-05", written: 5}

	def := baseDef()
	def.Incremental = &config.IncrementalConfig{KeyColumn: "updated_at", Mode: config.IncrementalAppend}

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(config.KindPostgres, func(cfg *config.EndpointConfig) (core.Adapter, error) {
		if cfg.Table == "src" {
			return source, nil
		}
		return target, nil
	}))

	store := &racingStore{
		Store: watermark.NewMemoryStore(),
		competing: &watermark.State{
			PipelineName:   "orders",
			IncrementalKey: "updated_at",
			LastValue:      "2024-02-01",
			LastStatus:     watermark.RunStatusSuccess,
		},
	}
	runner, err := NewRunner("orders", def, exec, store,
		WithRegistry(reg),
		WithRetryPolicy(&base.RetryPolicy{MaxAttempts: 3, Multiplier: 1, RandomizeFactor: 0}),
	)
	require.NoError(t, err)

	result, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StageCommit, result.FailedStage)
	assert.Equal(t, errors.ErrorTypeWriteConflict, errors.TypeOf(err))

	// The concurrently committed watermark survives untouched.
	state, err := store.Get(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "2024-02-01", state.LastValue)
}
