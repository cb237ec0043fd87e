// Package mysql implements the adapter capability set for MySQL.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapter/base"
	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/schema"
)

// Adapter is the MySQL backend adapter.
type Adapter struct {
	*base.BaseAdapter

	dsn string
	db  *sql.DB
}

// New creates a MySQL adapter from an endpoint configuration.
func New(cfg *config.EndpointConfig) (core.Adapter, error) {
	if cfg.Conn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mysql endpoint requires conn")
	}
	return &Adapter{
		BaseAdapter: base.NewBaseAdapter(config.KindMySQL),
		dsn:         cfg.Conn,
	}, nil
}

// Attach opens the database handle and verifies connectivity.
func (a *Adapter) Attach(ctx context.Context) error {
	if err := a.MarkAttached(); err != nil {
		return err
	}

	db, err := sql.Open("mysql", a.dsn)
	if err != nil {
		a.MarkClosed()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open mysql database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		a.MarkClosed()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to attach mysql database")
	}
	a.db = db

	a.Logger().Debug("mysql database attached")
	return nil
}

// Close releases the database handle unconditionally.
func (a *Adapter) Close(ctx context.Context) error {
	a.MarkClosed()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close mysql connection")
	}
	return nil
}

// Describe probes information_schema for the relation's columns.
func (a *Adapter) Describe(ctx context.Context, loc core.RelationLocator) (*schema.Snapshot, error) {
	if a.db == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "describe requires an attached adapter")
	}

	const query = `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?
		ORDER BY ordinal_position
	`

	rows, err := a.db.QueryContext(ctx, query, loc.Schema, loc.Table)
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
			Type:     mapMySQLType(dataType),
			Nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "error iterating schema rows")
	}

	if len(columns) == 0 {
		return nil, errors.New(errors.ErrorTypeNotFound,
			fmt.Sprintf("relation %s not found or has no columns", loc.Table))
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
		query += fmt.Sprintf(" WHERE %s %s ?", core.QuoteIdentifier(col, '`'), pred.Operator)
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

// buildUpsertSQL builds an INSERT ... ON DUPLICATE KEY UPDATE. MySQL keys the
// conflict on the table's unique constraint, so the configured unique keys
// must back a unique index on the target.
func (a *Adapter) buildUpsertSQL(rel string, opts core.WriteOptions) (string, error) {
	keys, err := core.SanitizeIdentifiers(opts.UniqueKeys)
	if err != nil {
		return "", err
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
		quoted := core.QuoteIdentifier(name, '`')
		updates = append(updates, fmt.Sprintf("%s = src.%s", quoted, quoted))
	}

	if len(updates) == 0 {
		// All columns are keys; duplicates are no-ops.
		return fmt.Sprintf("INSERT IGNORE INTO %s SELECT * FROM %s AS src", rel, opts.SourceExpr), nil
	}

	return fmt.Sprintf("INSERT INTO %s SELECT * FROM %s AS src ON DUPLICATE KEY UPDATE %s",
		rel, opts.SourceExpr, strings.Join(updates, ", ")), nil
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
		statements = append(statements, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s NULL",
			rel, core.QuoteIdentifier(name, '`'), mapLogicalType(col.Type)))
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
		parts = append(parts, core.QuoteIdentifier(clean, '`'))
	}
	if len(parts) == 0 {
		return "", errors.New(errors.ErrorTypeConfig, "relation locator requires a table name")
	}
	return strings.Join(parts, "."), nil
}

// mapMySQLType maps an information_schema data_type to a logical type.
func mapMySQLType(dataType string) schema.LogicalType {
	switch strings.ToLower(dataType) {
	case "tinyint", "smallint", "mediumint", "int":
		return schema.TypeInt32
	case "bigint":
		return schema.TypeInt64
	case "float", "double":
		return schema.TypeFloat64
	case "decimal", "numeric":
		return schema.TypeDecimal
	case "bit":
		return schema.TypeBool
	case "date":
		return schema.TypeDate
	case "time":
		return schema.TypeTime
	case "datetime", "timestamp":
		return schema.TypeTimestamp
	case "json":
		return schema.TypeJSON
	case "binary", "varbinary", "blob", "mediumblob", "longblob":
		return schema.TypeBinary
	default:
		return schema.TypeString
	}
}

// mapLogicalType maps a logical type to the MySQL column type used in
// generated DDL.
func mapLogicalType(t schema.LogicalType) string {
	switch t {
	case schema.TypeInt32:
		return "INT"
	case schema.TypeInt64:
		return "BIGINT"
	case schema.TypeFloat64:
		return "DOUBLE"
	case schema.TypeDecimal:
		return "DECIMAL(38,9)"
	case schema.TypeBool:
		return "TINYINT(1)"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTime:
		return "TIME"
	case schema.TypeTimestamp:
		return "DATETIME"
	case schema.TypeJSON:
		return "JSON"
	case schema.TypeBinary:
		return "BLOB"
	default:
		return "TEXT"
	}
}
