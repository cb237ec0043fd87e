// Package parquet implements the adapter capability set for Parquet files on
// local disk, S3 or GCS. Describe reads only the file footer, never row
// data; access plans wrap the file in a read_parquet expression and writes
// rewrite the file with COPY TO.
package parquet

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapter/base"
	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/adapter/objstore"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/schema"
)

// Adapter is the Parquet file adapter.
type Adapter struct {
	*base.BaseAdapter

	path  string
	loc   objstore.Location
	store *objstore.Store
}

// New creates a Parquet adapter from an endpoint configuration.
func New(cfg *config.EndpointConfig) (core.Adapter, error) {
	loc, err := objstore.ParsePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		BaseAdapter: base.NewBaseAdapter(config.KindParquet),
		path:        cfg.Path,
		loc:         loc,
		store:       objstore.New(),
	}, nil
}

// Attach verifies the path is reachable. A missing file is fine for a write
// target; existence is checked again at describe time.
func (a *Adapter) Attach(ctx context.Context) error {
	if err := a.MarkAttached(); err != nil {
		return err
	}
	a.Logger().Debug("parquet path attached", zap.String("path", a.path))
	return nil
}

// Close is a no-op; file adapters hold no connection.
func (a *Adapter) Close(ctx context.Context) error {
	a.MarkClosed()
	return nil
}

// Describe reads the parquet footer and maps the arrow schema to logical
// columns.
func (a *Adapter) Describe(ctx context.Context, loc core.RelationLocator) (*schema.Snapshot, error) {
	r, closer, err := a.store.Open(ctx, a.loc)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	fr, err := file.NewParquetReader(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read parquet footer")
	}
	defer fr.Close()

	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to create arrow reader")
	}

	arrowSchema, err := arrowReader.Schema()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to resolve parquet schema")
	}

	columns := make([]schema.Column, 0, arrowSchema.NumFields())
	for i := 0; i < arrowSchema.NumFields(); i++ {
		field := arrowSchema.Field(i)
		columns = append(columns, schema.Column{
			Name:     field.Name,
			Type:     mapArrowType(field.Type),
			Nullable: field.Nullable,
		})
	}
	if len(columns) == 0 {
		return nil, errors.New(errors.ErrorTypeNotFound,
			fmt.Sprintf("parquet file %s has no columns", a.path))
	}

	a.Logger().Debug("described parquet file",
		zap.String("path", a.path),
		zap.Int("columns", len(columns)),
		zap.Int64("rows", fr.NumRows()))

	return &schema.Snapshot{Relation: a.path, Columns: columns}, nil
}

// ReadPlan wraps the file in a read_parquet expression. The incremental
// predicate filters the scan.
func (a *Adapter) ReadPlan(loc core.RelationLocator, pred *core.Predicate, sampleRows int) (*core.AccessPlan, error) {
	rel := fmt.Sprintf("read_parquet(%s)", quotePathLiteral(a.path))

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

// WritePlan rewrites the file with COPY TO. Files have no in-place append or
// upsert; those modes are rejected as write conflicts.
func (a *Adapter) WritePlan(loc core.RelationLocator, opts core.WriteOptions) (*core.WriteAction, error) {
	switch opts.Mode {
	case core.WriteModeCreate, core.WriteModeOverwrite:
		return &core.WriteAction{
			Mode:  opts.Mode,
			Binds: opts.Binds,
			Statements: []string{
				fmt.Sprintf("COPY (SELECT * FROM %s AS src) TO %s (FORMAT PARQUET, COMPRESSION zstd)",
					opts.SourceExpr, quotePathLiteral(a.path)),
			},
		}, nil

	case core.WriteModeAppend, core.WriteModeUpsert:
		return nil, errors.New(errors.ErrorTypeWriteConflict,
			fmt.Sprintf("parquet target does not support %s writes, use overwrite", opts.Mode))

	default:
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown write mode %q", opts.Mode))
	}
}

// AlterPlans returns nothing; file targets are rewritten whole, so added
// columns land through the next COPY.
func (a *Adapter) AlterPlans(loc core.RelationLocator, added []schema.Column) ([]string, error) {
	return nil, nil
}

// quotePathLiteral single-quotes a path for use in a generated statement.
func quotePathLiteral(path string) string {
	return "'" + strings.ReplaceAll(path, "'", "''") + "'"
}

// mapArrowType maps an arrow field type to a logical type.
func mapArrowType(t arrow.DataType) schema.LogicalType {
	switch t.ID() {
	case arrow.BOOL:
		return schema.TypeBool
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.UINT8, arrow.UINT16:
		return schema.TypeInt32
	case arrow.INT64, arrow.UINT32, arrow.UINT64:
		return schema.TypeInt64
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return schema.TypeFloat64
	case arrow.DECIMAL128, arrow.DECIMAL256:
		return schema.TypeDecimal
	case arrow.STRING, arrow.LARGE_STRING:
		return schema.TypeString
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.FIXED_SIZE_BINARY:
		return schema.TypeBinary
	case arrow.DATE32, arrow.DATE64:
		return schema.TypeDate
	case arrow.TIME32, arrow.TIME64:
		return schema.TypeTime
	case arrow.TIMESTAMP:
		return schema.TypeTimestamp
	case arrow.STRUCT, arrow.LIST, arrow.LARGE_LIST, arrow.MAP:
		return schema.TypeJSON
	default:
		return schema.TypeString
	}
}
