// Package pipeline sequences one pipeline run through its stages: attach,
// schema sync, compute, write, commit. Each stage is a barrier; attach and
// write retry on network failures, schema and identifier errors never retry,
// and the watermark is committed only after the write fully succeeds.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapter/base"
	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/adapter/registry"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/logger"
	"github.com/sluicedata/sluice/pkg/metrics"
	"github.com/sluicedata/sluice/pkg/schema"
	"github.com/sluicedata/sluice/pkg/watermark"
)

// Runner executes one pipeline definition. A Runner is safe to reuse across
// runs; each Run acquires and releases its own adapter connections.
type Runner struct {
	name     string
	def      *config.PipelineDefinition
	executor core.Executor
	store    watermark.Store

	registry *registry.Registry
	retry    *base.RetryPolicy
	log      *zap.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRegistry overrides the global adapter registry, used by tests.
func WithRegistry(r *registry.Registry) Option {
	return func(rn *Runner) { rn.registry = r }
}

// WithRetryPolicy overrides the retry policy applied to attach and write.
func WithRetryPolicy(p *base.RetryPolicy) Option {
	return func(rn *Runner) { rn.retry = p }
}

// NewRunner builds a runner for one named pipeline. The executor performs
// the reads and writes the adapters describe; the store persists watermark
// state between runs.
func NewRunner(name string, def *config.PipelineDefinition, executor core.Executor, store watermark.Store, opts ...Option) (*Runner, error) {
	if name == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "pipeline name is required")
	}
	if executor == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "executor is required")
	}
	if store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "watermark store is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		name:     name,
		def:      def,
		executor: executor,
		store:    store,
		registry: registry.GetRegistry(),
		retry:    base.DefaultRetryPolicy(),
		log: logger.Get().With(
			zap.String("component", "runner"),
			zap.String("pipeline", name),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// run carries the mutable state of one execution.
type run struct {
	result *Result

	source core.Adapter
	target core.Adapter
	srcLoc core.RelationLocator
	tgtLoc core.RelationLocator

	sourceSnap *schema.Snapshot
	// targetMissing forces the write into create mode.
	targetMissing bool

	// observed is the raw stored state at Get time; Commit is conditional
	// on it. prior is the state the predicate derives from, which is nil
	// when the stored key no longer matches the configured one.
	observed *watermark.State
	prior    *watermark.State
	plan     *core.AccessPlan
}

// Run executes the pipeline once. It always returns a result; the error is
// non-nil iff the run failed, and mirrors result.Error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	st := &run{
		result: &Result{
			PipelineName: r.name,
			RunID:        uuid.New().String(),
			StartedAt:    time.Now().UTC(),
		},
	}

	ctx = context.WithValue(ctx, logger.PipelineKey, r.name)
	ctx = context.WithValue(ctx, logger.RunIDKey, st.result.RunID)
	log := logger.WithContext(ctx)
	log.Info("pipeline run starting")

	stage := StageAttach
	for !stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return r.fail(st, stage, errors.Wrap(err, errors.ErrorTypeCancelled, "run cancelled"))
		}

		stageCtx := context.WithValue(ctx, logger.StageKey, string(stage))

		var err error
		switch stage {
		case StageAttach:
			err = r.attach(stageCtx, st)
		case StageSchemaSync:
			err = r.schemaSync(stageCtx, st)
		case StageCompute:
			err = r.compute(stageCtx, st)
		case StageWrite:
			err = r.write(stageCtx, st)
		case StageCommit:
			err = r.commit(stageCtx, st)
		}

		if err != nil {
			return r.fail(st, stage, err)
		}
		stage = Transition(stage, OutcomeOK)
	}

	r.release(ctx, st)

	st.result.Status = StatusSuccess
	st.result.FinishedAt = time.Now().UTC()
	metrics.PipelineRuns.WithLabelValues(r.name, string(StatusSuccess)).Inc()

	log.Info("pipeline run succeeded",
		zap.Int64("rows", st.result.RowsProcessed),
		zap.String("watermark", st.result.Watermark))
	return st.result, nil
}

// fail records the failed stage, releases adapters and finalizes the result.
// The watermark is never touched on this path.
func (r *Runner) fail(st *run, stage Stage, err error) (*Result, error) {
	r.release(context.Background(), st)

	st.result.Status = StatusFailed
	st.result.FailedStage = stage
	st.result.FinishedAt = time.Now().UTC()
	st.result.Error = &ErrorDetail{
		Type:    string(errors.TypeOf(err)),
		Message: err.Error(),
	}
	metrics.PipelineRuns.WithLabelValues(r.name, string(StatusFailed)).Inc()

	r.log.Error("pipeline run failed",
		zap.String("stage", string(stage)),
		zap.Error(err))
	return st.result, err
}

// release closes both adapters, tolerating close errors. Runs on every exit
// path.
func (r *Runner) release(ctx context.Context, st *run) {
	for _, a := range []core.Adapter{st.source, st.target} {
		if a == nil {
			continue
		}
		if err := a.Close(ctx); err != nil {
			r.log.Warn("adapter close failed", zap.String("kind", a.Kind()), zap.Error(err))
		}
	}
	st.source, st.target = nil, nil
}

func (r *Runner) attach(ctx context.Context, st *run) error {
	timer := metrics.NewStageTimer(r.name, string(StageAttach))
	defer func() { st.result.Timings.Attach = timer.Stop().Seconds() }()

	src, err := r.registry.Create(&r.def.Source)
	if err != nil {
		return err
	}
	st.source = src
	st.srcLoc = locator(&r.def.Source, "source")

	tgt, err := r.registry.Create(&r.def.Target)
	if err != nil {
		return err
	}
	st.target = tgt
	st.tgtLoc = locator(&r.def.Target, "target")

	if err := r.retry.Execute(ctx, func() error { return src.Attach(ctx) }); err != nil {
		return err
	}
	return r.retry.Execute(ctx, func() error { return tgt.Attach(ctx) })
}

func (r *Runner) schemaSync(ctx context.Context, st *run) error {
	timer := metrics.NewStageTimer(r.name, string(StageSchemaSync))
	defer func() { st.result.Timings.SchemaSync = timer.Stop().Seconds() }()

	srcSnap, err := st.source.Describe(ctx, st.srcLoc)
	if err != nil {
		return err
	}
	st.sourceSnap = srcSnap

	if inc := r.def.Incremental; inc != nil {
		if _, ok := srcSnap.Column(inc.KeyColumn); !ok {
			return errors.New(errors.ErrorTypeIncremental,
				fmt.Sprintf("incremental key %q not found among source columns", inc.KeyColumn))
		}
		if inc.Mode == config.IncrementalUpsert && !srcSnap.HasColumns(inc.UniqueKeys) {
			return errors.New(errors.ErrorTypeIncremental,
				"unique_keys are not a subset of the source columns").
				WithDetail("unique_keys", inc.UniqueKeys)
		}
	}

	tgtSnap, err := st.target.Describe(ctx, st.tgtLoc)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			// First run against this target; it is created by the write.
			st.targetMissing = true
			r.log.Debug("target relation absent, will create")
			return nil
		}
		return err
	}

	diff := schema.Compare(srcSnap, tgtSnap)
	st.result.SchemaDiff = diff

	policy, err := schema.ParsePolicy(r.def.SchemaPolicy)
	if err != nil {
		return err
	}
	action, err := schema.ApplyPolicy(diff, policy)
	if err != nil {
		return err
	}

	if action != nil && len(action.AddColumns) > 0 {
		alters, err := st.target.AlterPlans(st.tgtLoc, action.AddColumns)
		if err != nil {
			return err
		}
		for _, stmt := range alters {
			st.result.GeneratedStatements = append(st.result.GeneratedStatements, stmt)
			if err := r.executor.Exec(ctx, stmt); err != nil {
				return errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "failed to evolve target schema")
			}
			metrics.SchemaChanges.WithLabelValues(r.name, "add_column").Inc()
		}
		r.log.Info("target schema evolved", zap.Int("added_columns", len(action.AddColumns)))
	}

	return nil
}

func (r *Runner) compute(ctx context.Context, st *run) error {
	timer := metrics.NewStageTimer(r.name, string(StageCompute))
	defer func() { st.result.Timings.Compute = timer.Stop().Seconds() }()

	inc := r.def.Incremental

	if r.def.Options.FullRefresh {
		if err := r.store.Clear(ctx, r.name); err != nil {
			return err
		}
		r.log.Info("watermark cleared for full refresh")
	} else if inc != nil {
		prior, err := r.store.Get(ctx, r.name)
		if err != nil {
			return err
		}
		st.observed = prior
		if prior != nil && prior.IncrementalKey != inc.KeyColumn {
			// Key changed since the stored state; start over.
			r.log.Warn("stored watermark tracks a different key, ignoring",
				zap.String("stored_key", prior.IncrementalKey),
				zap.String("configured_key", inc.KeyColumn))
			prior = nil
		}
		st.prior = prior
	}

	var pred *core.Predicate
	if inc != nil && st.prior != nil && st.prior.LastValue != "" {
		pred = &core.Predicate{Column: inc.KeyColumn, Operator: ">", Value: st.prior.LastValue}
	}

	plan, err := st.source.ReadPlan(st.srcLoc, pred, r.def.Options.SampleRows)
	if err != nil {
		return err
	}
	st.plan = plan
	st.result.GeneratedStatements = append(st.result.GeneratedStatements, plan.Query)

	// Count and sample are observability aids; their failure is recorded
	// but never aborts the run.
	if r.def.Options.ComputeCount {
		count, err := r.executor.Count(ctx, plan)
		if err != nil {
			st.result.Warnings = append(st.result.Warnings,
				fmt.Sprintf("row count failed: %v", err))
		} else {
			st.result.RowsProcessed = count
			metrics.RowsRead.WithLabelValues(r.name).Add(float64(count))
		}
	}
	if r.def.Options.SampleRows > 0 && plan.SampleQuery != "" {
		sample, err := r.executor.Sample(ctx, plan)
		if err != nil {
			st.result.Warnings = append(st.result.Warnings,
				fmt.Sprintf("sample failed: %v", err))
		} else {
			st.result.Sample = sample
		}
	}

	return nil
}

func (r *Runner) write(ctx context.Context, st *run) error {
	timer := metrics.NewStageTimer(r.name, string(StageWrite))
	defer func() { st.result.Timings.Write = timer.Stop().Seconds() }()

	opts := core.WriteOptions{
		Mode:       r.writeMode(st),
		Columns:    st.sourceSnap.Columns,
		SourceExpr: st.plan.Relation,
		Binds:      st.plan.Binds,
	}
	if opts.Mode == core.WriteModeUpsert {
		opts.UniqueKeys = r.def.Incremental.UniqueKeys
	}

	action, err := st.target.WritePlan(st.tgtLoc, opts)
	if err != nil {
		return err
	}
	st.result.GeneratedStatements = append(st.result.GeneratedStatements, action.Statements...)

	var written int64
	attempt := 0
	err = r.retry.Execute(ctx, func() error {
		if attempt > 0 {
			metrics.RetryAttempts.WithLabelValues(r.name, string(StageWrite)).Inc()
		}
		attempt++
		n, err := r.executor.Write(ctx, action)
		if err != nil {
			return err
		}
		written = n
		return nil
	})
	if err != nil {
		return err
	}

	if written > 0 {
		st.result.RowsProcessed = written
	}
	logger.WithContext(ctx).Info("write completed",
		zap.String("mode", string(opts.Mode)),
		zap.Int64("rows", written))
	return nil
}

// writeMode resolves the effective write mode: a missing target is always
// created, upsert incremental mode merges, otherwise the configured mode
// stands.
func (r *Runner) writeMode(st *run) core.WriteMode {
	if st.targetMissing {
		return core.WriteModeCreate
	}
	if inc := r.def.Incremental; inc != nil && inc.Mode == config.IncrementalUpsert {
		return core.WriteModeUpsert
	}
	return core.WriteMode(r.def.WriteMode)
}

// commit advances the watermark. It runs only after a fully successful
// write; any failure before this point leaves the stored state untouched so
// the next run reprocesses the same window. The commit is conditional on
// the state observed at Get, so a slower concurrent run of the same
// pipeline cannot roll a newer watermark back.
func (r *Runner) commit(ctx context.Context, st *run) error {
	inc := r.def.Incremental
	if inc == nil {
		return nil
	}

	newValue, err := r.executor.Max(ctx, st.plan, inc.KeyColumn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIncremental, "failed to compute new watermark")
	}
	if newValue == "" {
		// Empty window; keep the prior position.
		if st.prior == nil {
			return nil
		}
		newValue = st.prior.LastValue
	}

	state := &watermark.State{
		PipelineName:   r.name,
		IncrementalKey: inc.KeyColumn,
		LastValue:      newValue,
		LastRunAt:      time.Now().UTC(),
		LastStatus:     watermark.RunStatusSuccess,
	}
	if err := r.store.Commit(ctx, state, st.observed); err != nil {
		return err
	}
	st.result.Watermark = newValue

	r.log.Debug("watermark committed", zap.String("value", newValue))
	return nil
}

func locator(e *config.EndpointConfig, defaultAlias string) core.RelationLocator {
	alias := e.Name
	if alias == "" {
		alias = defaultAlias
	}
	if e.IsFileKind() {
		// File relations are addressed by path; the alias only names the
		// endpoint in logs and generated expressions.
		return core.RelationLocator{Path: e.Path, Alias: alias}
	}
	return core.RelationLocator{Schema: e.Schema, Table: e.Table, Alias: alias}
}
