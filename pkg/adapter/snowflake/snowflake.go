// Package snowflake implements the adapter capability set for Snowflake.
// Upserts are expressed as MERGE statements and identifiers are quoted with
// double quotes after sanitization.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sf "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapter/base"
	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/schema"
)

// Adapter is the Snowflake backend adapter.
type Adapter struct {
	*base.BaseAdapter

	dsn string
	db  *sql.DB
}

// New creates a Snowflake adapter from an endpoint configuration. The conn
// string is validated as a Snowflake DSN up front so bad credentials config
// fails before attach.
func New(cfg *config.EndpointConfig) (core.Adapter, error) {
	if cfg.Conn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "snowflake endpoint requires conn")
	}
	if _, err := sf.ParseDSN(cfg.Conn); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid snowflake dsn")
	}
	return &Adapter{
		BaseAdapter: base.NewBaseAdapter(config.KindSnowflake),
		dsn:         cfg.Conn,
	}, nil
}

// Attach opens the warehouse connection and verifies it.
func (a *Adapter) Attach(ctx context.Context) error {
	if err := a.MarkAttached(); err != nil {
		return err
	}

	db, err := sql.Open("snowflake", a.dsn)
	if err != nil {
		a.MarkClosed()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open snowflake database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		a.MarkClosed()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to attach snowflake database")
	}
	a.db = db

	a.Logger().Debug("snowflake database attached")
	return nil
}

// Close releases the connection unconditionally.
func (a *Adapter) Close(ctx context.Context) error {
	a.MarkClosed()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close snowflake connection")
	}
	return nil
}

// Describe probes information_schema for the relation's columns. Snowflake
// stores unquoted identifiers upper-cased, so the lookup is case-insensitive.
func (a *Adapter) Describe(ctx context.Context, loc core.RelationLocator) (*schema.Snapshot, error) {
	if a.db == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "describe requires an attached adapter")
	}

	schemaName := loc.Schema
	if schemaName == "" {
		schemaName = "PUBLIC"
	}

	const query = `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE UPPER(table_schema) = UPPER(?) AND UPPER(table_name) = UPPER(?)
		ORDER BY ordinal_position
	`

	rows, err := a.db.QueryContext(ctx, query, schemaName, loc.Table)
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
			Type:     mapSnowflakeType(dataType),
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

// ReadPlan generates the access descriptor with a parameterized incremental
// predicate.
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
		// CREATE OR REPLACE swaps atomically; no separate DROP.
		action.Statements = []string{
			fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s AS src", rel, opts.SourceExpr),
		}

	case core.WriteModeAppend:
		action.Statements = []string{
			fmt.Sprintf("INSERT INTO %s SELECT * FROM %s AS src", rel, opts.SourceExpr),
		}

	case core.WriteModeUpsert:
		stmt, err := a.buildMergeSQL(rel, opts)
		if err != nil {
			return nil, err
		}
		action.Statements = []string{stmt}

	default:
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown write mode %q", opts.Mode))
	}

	return action, nil
}

// buildMergeSQL builds a MERGE keyed on the unique keys that updates every
// non-key column when matched and inserts the full row otherwise.
func (a *Adapter) buildMergeSQL(rel string, opts core.WriteOptions) (string, error) {
	keys, err := core.SanitizeIdentifiers(opts.UniqueKeys)
	if err != nil {
		return "", err
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	var onClauses, updates, insertCols, insertVals []string
	for _, k := range keys {
		q := core.QuoteIdentifier(k, '"')
		onClauses = append(onClauses, fmt.Sprintf("tgt.%s = src.%s", q, q))
	}
	for _, col := range opts.Columns {
		name, err := core.SanitizeIdentifier(col.Name)
		if err != nil {
			return "", err
		}
		q := core.QuoteIdentifier(name, '"')
		insertCols = append(insertCols, q)
		insertVals = append(insertVals, "src."+q)
		if !keySet[col.Name] {
			updates = append(updates, fmt.Sprintf("tgt.%s = src.%s", q, q))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s AS tgt USING (SELECT * FROM %s) AS src ON %s",
		rel, opts.SourceExpr, strings.Join(onClauses, " AND "))
	if len(updates) > 0 {
		fmt.Fprintf(&sb, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(updates, ", "))
	}
	fmt.Fprintf(&sb, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))
	return sb.String(), nil
}

// AlterPlans generates one ALTER TABLE per added column.
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

// mapSnowflakeType maps an information_schema data_type to a logical type.
func mapSnowflakeType(dataType string) schema.LogicalType {
	switch strings.ToUpper(dataType) {
	case "NUMBER", "DECIMAL", "NUMERIC":
		return schema.TypeDecimal
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT":
		return schema.TypeInt64
	case "FLOAT", "DOUBLE", "REAL":
		return schema.TypeFloat64
	case "BOOLEAN":
		return schema.TypeBool
	case "DATE":
		return schema.TypeDate
	case "TIME":
		return schema.TypeTime
	case "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "DATETIME":
		return schema.TypeTimestamp
	case "VARIANT", "OBJECT", "ARRAY":
		return schema.TypeJSON
	case "BINARY", "VARBINARY":
		return schema.TypeBinary
	default:
		return schema.TypeString
	}
}

// mapLogicalType maps a logical type to the Snowflake column type used in
// generated DDL.
func mapLogicalType(t schema.LogicalType) string {
	switch t {
	case schema.TypeInt32, schema.TypeInt64:
		return "NUMBER(38,0)"
	case schema.TypeFloat64:
		return "FLOAT"
	case schema.TypeDecimal:
		return "NUMBER(38,9)"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTime:
		return "TIME"
	case schema.TypeTimestamp:
		return "TIMESTAMP_NTZ"
	case schema.TypeJSON:
		return "VARIANT"
	case schema.TypeBinary:
		return "BINARY"
	default:
		return "VARCHAR"
	}
}
