// Package csv implements the adapter capability set for CSV files on local
// disk, S3 or GCS. Describe sniffs the header line only; every column is
// reported as a nullable string and the execution side infers finer types
// from read_csv_auto.
package csv

import (
	"context"
	stdcsv "encoding/csv"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapter/base"
	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/adapter/objstore"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/schema"
)

// headBytes bounds how much of the file the header sniff reads.
const headBytes = 64 * 1024

// Adapter is the CSV file adapter.
type Adapter struct {
	*base.BaseAdapter

	path  string
	loc   objstore.Location
	store *objstore.Store
}

// New creates a CSV adapter from an endpoint configuration.
func New(cfg *config.EndpointConfig) (core.Adapter, error) {
	loc, err := objstore.ParsePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		BaseAdapter: base.NewBaseAdapter(config.KindCSV),
		path:        cfg.Path,
		loc:         loc,
		store:       objstore.New(),
	}, nil
}

// Attach is a marker; the path is probed at describe time.
func (a *Adapter) Attach(ctx context.Context) error {
	if err := a.MarkAttached(); err != nil {
		return err
	}
	a.Logger().Debug("csv path attached", zap.String("path", a.path))
	return nil
}

// Close is a no-op; file adapters hold no connection.
func (a *Adapter) Close(ctx context.Context) error {
	a.MarkClosed()
	return nil
}

// Describe reads the header line and maps each column to a nullable string.
// The snapshot is marked untyped because a header names columns without
// typing them.
func (a *Adapter) Describe(ctx context.Context, loc core.RelationLocator) (*schema.Snapshot, error) {
	head, err := a.store.ReadHead(ctx, a.loc, headBytes)
	if err != nil {
		return nil, err
	}

	line, _, _ := strings.Cut(string(head), "\n")
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil, errors.New(errors.ErrorTypeData,
			fmt.Sprintf("csv file %s has no header line", a.path))
	}

	fields, err := stdcsv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to parse csv header")
	}

	columns := make([]schema.Column, 0, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f)
		if name == "" {
			return nil, errors.New(errors.ErrorTypeData,
				fmt.Sprintf("csv file %s has an empty header column", a.path))
		}
		columns = append(columns, schema.Column{
			Name:     name,
			Type:     schema.TypeString,
			Nullable: true,
		})
	}

	a.Logger().Debug("described csv file",
		zap.String("path", a.path),
		zap.Int("columns", len(columns)))

	// The header carries no type information, so the string types above
	// are placeholders and must not be diffed as drift.
	return &schema.Snapshot{Relation: a.path, Columns: columns, Untyped: true}, nil
}

// ReadPlan wraps the file in a read_csv_auto expression.
func (a *Adapter) ReadPlan(loc core.RelationLocator, pred *core.Predicate, sampleRows int) (*core.AccessPlan, error) {
	rel := fmt.Sprintf("read_csv_auto(%s)", quotePathLiteral(a.path))

	query := "SELECT * FROM " + rel
	var binds []interface{}
	if pred != nil {
		col, err := core.SanitizeIdentifier(pred.Column)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" WHERE %s %s ?", core.QuoteIdentifier(col, '"'), pred.Operator)
		binds = append(binds, pred.Value)
		rel = "(" + query + ")"
	}

	plan := &core.AccessPlan{
		Relation:   rel,
		Query:      query,
		CountQuery: fmt.Sprintf("SELECT COUNT(*) FROM %s AS src", rel),
		Binds:      binds,
		Predicate:  pred,
	}
	if sampleRows > 0 {
		plan.SampleQuery = fmt.Sprintf("%s LIMIT %d", query, sampleRows)
	}
	return plan, nil
}

// WritePlan rewrites the file with COPY TO. Append and upsert are rejected
// the same way the parquet adapter rejects them.
func (a *Adapter) WritePlan(loc core.RelationLocator, opts core.WriteOptions) (*core.WriteAction, error) {
	switch opts.Mode {
	case core.WriteModeCreate, core.WriteModeOverwrite:
		return &core.WriteAction{
			Mode:  opts.Mode,
			Binds: opts.Binds,
			Statements: []string{
				fmt.Sprintf("COPY (SELECT * FROM %s AS src) TO %s (FORMAT CSV, HEADER)",
					opts.SourceExpr, quotePathLiteral(a.path)),
			},
		}, nil

	case core.WriteModeAppend, core.WriteModeUpsert:
		return nil, errors.New(errors.ErrorTypeWriteConflict,
			fmt.Sprintf("csv target does not support %s writes, use overwrite", opts.Mode))

	default:
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown write mode %q", opts.Mode))
	}
}

// AlterPlans returns nothing; the file is rewritten whole on each write.
func (a *Adapter) AlterPlans(loc core.RelationLocator, added []schema.Column) ([]string, error) {
	return nil, nil
}

func quotePathLiteral(path string) string {
	return "'" + strings.ReplaceAll(path, "'", "''") + "'"
}
