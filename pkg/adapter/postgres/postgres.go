// Package postgres implements the adapter capability set for PostgreSQL.
// Schema discovery runs against information_schema over a pgx connection
// scoped to one run; access and write statements are generated for the
// execution capability and reference the relation through its attachment
// alias.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapter/base"
	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/schema"
)

// Adapter is the PostgreSQL backend adapter.
type Adapter struct {
	*base.BaseAdapter

	connStr string
	conn    *pgx.Conn
}

// New creates a PostgreSQL adapter from an endpoint configuration.
func New(cfg *config.EndpointConfig) (core.Adapter, error) {
	if cfg.Conn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres endpoint requires conn")
	}
	return &Adapter{
		BaseAdapter: base.NewBaseAdapter(config.KindPostgres),
		connStr:     cfg.Conn,
	}, nil
}

// Attach acquires the connection for the duration of one run.
func (a *Adapter) Attach(ctx context.Context) error {
	if err := a.MarkAttached(); err != nil {
		return err
	}

	conn, err := pgx.Connect(ctx, a.connStr)
	if err != nil {
		a.MarkClosed()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to attach postgres database")
	}
	a.conn = conn

	a.Logger().Debug("postgres database attached")
	return nil
}

// Close releases the connection unconditionally.
func (a *Adapter) Close(ctx context.Context) error {
	a.MarkClosed()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close(ctx)
	a.conn = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close postgres connection")
	}
	return nil
}

// Describe probes information_schema for the relation's columns. It never
// scans table data.
func (a *Adapter) Describe(ctx context.Context, loc core.RelationLocator) (*schema.Snapshot, error) {
	if a.conn == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "describe requires an attached adapter")
	}

	schemaName := loc.Schema
	if schemaName == "" {
		schemaName = "public"
	}

	const query = `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`

	rows, err := a.conn.Query(ctx, query, schemaName, loc.Table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query table schema")
	}
	defer rows.Close()

	var columns []schema.Column
	for rows.Next() {
		var name, dataType, isNullable string
		if err := rows.Scan(&name, &dataType, &isNullable); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan schema row")
		}
		columns = append(columns, schema.Column{
			Name:     name,
			Type:     mapPostgresType(dataType),
			Nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "error iterating schema rows")
	}

	if len(columns) == 0 {
		return nil, errors.New(errors.ErrorTypeNotFound,
			fmt.Sprintf("relation %s.%s not found or has no columns", schemaName, loc.Table))
	}

	a.Logger().Debug("described relation",
		zap.String("relation", loc.Table),
		zap.Int("columns", len(columns)))

	return &schema.Snapshot{Relation: loc.Table, Columns: columns}, nil
}

// ReadPlan generates the access descriptor. The incremental predicate is
// bound as a parameter, never interpolated.
func (a *Adapter) ReadPlan(loc core.RelationLocator, pred *core.Predicate, sampleRows int) (*core.AccessPlan, error) {
	rel, err := relationExpr(loc)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + rel
	var binds []interface{}
	if pred != nil {
		col, err := core.SanitizeIdentifier(pred.Column)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" WHERE %s %s $1", core.QuoteIdentifier(col, '"'), pred.Operator)
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

// WritePlan generates the write action for the relation.
func (a *Adapter) WritePlan(loc core.RelationLocator, opts core.WriteOptions) (*core.WriteAction, error) {
	rel, err := relationExpr(loc)
	if err != nil {
		return nil, err
	}

	action := &core.WriteAction{Mode: opts.Mode, Binds: opts.Binds}

	switch opts.Mode {
	case core.WriteModeCreate:
		action.Statements = []string{
			fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s AS src", rel, opts.SourceExpr),
		}

	case core.WriteModeOverwrite:
		action.Statements = []string{
			fmt.Sprintf("DROP TABLE IF EXISTS %s", rel),
			fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s AS src", rel, opts.SourceExpr),
		}

	case core.WriteModeAppend:
		action.Statements = []string{
			fmt.Sprintf("INSERT INTO %s SELECT * FROM %s AS src", rel, opts.SourceExpr),
		}

	case core.WriteModeUpsert:
		stmt, err := a.buildUpsertSQL(rel, opts)
		if err != nil {
			return nil, err
		}
		action.Statements = []string{stmt}

	default:
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown write mode %q", opts.Mode))
	}

	return action, nil
}

// buildUpsertSQL builds an insert-on-conflict keyed on the unique keys that
// updates every non-key column from the incoming row.
func (a *Adapter) buildUpsertSQL(rel string, opts core.WriteOptions) (string, error) {
	keys, err := core.SanitizeIdentifiers(opts.UniqueKeys)
	if err != nil {
		return "", err
	}

	quotedKeys := make([]string, len(keys))
	for i, k := range keys {
		quotedKeys[i] = core.QuoteIdentifier(k, '"')
	}

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	var updates []string
	for _, col := range opts.Columns {
		if keySet[col.Name] {
			continue
		}
		name, err := core.SanitizeIdentifier(col.Name)
		if err != nil {
			return "", err
		}
		quoted := core.QuoteIdentifier(name, '"')
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s SELECT * FROM %s AS src ON CONFLICT (%s) %s",
		rel, opts.SourceExpr, strings.Join(quotedKeys, ", "), conflict), nil
}

// AlterPlans generates one ALTER TABLE per added column, nullable with a
// null default.
func (a *Adapter) AlterPlans(loc core.RelationLocator, added []schema.Column) ([]string, error) {
	rel, err := relationExpr(loc)
	if err != nil {
		return nil, err
	}

	statements := make([]string, 0, len(added))
	for _, col := range added {
		name, err := core.SanitizeIdentifier(col.Name)
		if err != nil {
			return nil, err
		}
		statements = append(statements, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			rel, core.QuoteIdentifier(name, '"'), mapLogicalType(col.Type)))
	}
	return statements, nil
}

// relationExpr builds the quoted, alias-qualified relation expression.
func relationExpr(loc core.RelationLocator) (string, error) {
	parts := make([]string, 0, 3)
	for _, p := range []string{loc.Alias, loc.Schema, loc.Table} {
		if p == "" {
			continue
		}
		clean, err := core.SanitizeIdentifier(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, core.QuoteIdentifier(clean, '"'))
	}
	if len(parts) == 0 {
		return "", errors.New(errors.ErrorTypeConfig, "relation locator requires a table name")
	}
	return strings.Join(parts, "."), nil
}

// mapPostgresType maps an information_schema data_type to a logical type.
func mapPostgresType(dataType string) schema.LogicalType {
	switch strings.ToLower(dataType) {
	case "smallint", "integer":
		return schema.TypeInt32
	case "bigint":
		return schema.TypeInt64
	case "real", "double precision":
		return schema.TypeFloat64
	case "numeric", "decimal":
		return schema.TypeDecimal
	case "boolean":
		return schema.TypeBool
	case "date":
		return schema.TypeDate
	case "time without time zone", "time with time zone":
		return schema.TypeTime
	case "timestamp without time zone", "timestamp with time zone":
		return schema.TypeTimestamp
	case "json", "jsonb":
		return schema.TypeJSON
	case "bytea":
		return schema.TypeBinary
	default:
		return schema.TypeString
	}
}

// mapLogicalType maps a logical type to the PostgreSQL column type used in
// generated DDL.
func mapLogicalType(t schema.LogicalType) string {
	switch t {
	case schema.TypeInt32:
		return "INTEGER"
	case schema.TypeInt64:
		return "BIGINT"
	case schema.TypeFloat64:
		return "DOUBLE PRECISION"
	case schema.TypeDecimal:
		return "NUMERIC"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTime:
		return "TIME"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeJSON:
		return "JSONB"
	case schema.TypeBinary:
		return "BYTEA"
	default:
		return "TEXT"
	}
}
