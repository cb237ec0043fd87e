package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/schema"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(&config.EndpointConfig{
		Kind: config.KindMySQL,
		Conn: "user:pass@tcp(localhost:3306)/test",
	})
	require.NoError(t, err)
	return a.(*Adapter)
}

func TestReadPlanWithPredicate(t *testing.T) {
	a := newTestAdapter(t)

	pred := &core.Predicate{Column: "id", Operator: ">", Value: "42"}
	plan, err := a.ReadPlan(core.RelationLocator{Alias: "src", Table: "orders"}, pred, 10)
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM `src`.`orders` WHERE `id` > ?", plan.Query)
	require.Len(t, plan.Binds, 1)
	assert.Equal(t, "42", plan.Binds[0].(string))
	assert.Contains(t, plan.SampleQuery, "LIMIT 10")
}

func TestWritePlanAppend(t *testing.T) {
	a := newTestAdapter(t)

	action, err := a.WritePlan(core.RelationLocator{Table: "orders"}, core.WriteOptions{
		Mode:       core.WriteModeAppend,
		SourceExpr: "staging",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"INSERT INTO `orders` SELECT * FROM staging AS src"}, action.Statements)
}

func TestWritePlanUpsert(t *testing.T) {
	a := newTestAdapter(t)

	action, err := a.WritePlan(core.RelationLocator{Table: "orders"}, core.WriteOptions{
		Mode:       core.WriteModeUpsert,
		SourceExpr: "staging",
		UniqueKeys: []string{"id"},
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "amount", Type: schema.TypeDecimal},
		},
	})
	require.NoError(t, err)
	require.Len(t, action.Statements, 1)
	assert.Contains(t, action.Statements[0], "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, action.Statements[0], "`amount` = src.`amount`")
}

func TestWritePlanUpsertOnlyKeys(t *testing.T) {
	a := newTestAdapter(t)

	action, err := a.WritePlan(core.RelationLocator{Table: "orders"}, core.WriteOptions{
		Mode:       core.WriteModeUpsert,
		SourceExpr: "staging",
		UniqueKeys: []string{"id"},
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeInt64}},
	})
	require.NoError(t, err)
	assert.Contains(t, action.Statements[0], "INSERT IGNORE")
}

func TestAlterPlans(t *testing.T) {
	a := newTestAdapter(t)

	stmts, err := a.AlterPlans(core.RelationLocator{Table: "orders"}, []schema.Column{
		{Name: "note", Type: schema.TypeString},
	})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, "ALTER TABLE `orders` ADD COLUMN `note` TEXT NULL", stmts[0])
}

func TestMapMySQLType(t *testing.T) {
	assert.Equal(t, schema.TypeInt32, mapMySQLType("int"))
	assert.Equal(t, schema.TypeTimestamp, mapMySQLType("datetime"))
	assert.Equal(t, schema.TypeString, mapMySQLType("varchar"))
}
