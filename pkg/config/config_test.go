package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedata/sluice/pkg/errors"
)

func validDefinition() *PipelineDefinition {
	def := NewPipelineDefinition()
	def.Source = EndpointConfig{Kind: KindPostgres, Conn: "postgres://localhost/db", Table: "events"}
	def.Target = EndpointConfig{Kind: KindParquet, Path: "/tmp/events.parquet"}
	return def
}

func TestValidateAcceptsMinimalDefinition(t *testing.T) {
	require.NoError(t, validDefinition().Validate())
}

func TestValidateEndpointRequirements(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PipelineDefinition)
	}{
		{"missing source kind", func(d *PipelineDefinition) { d.Source.Kind = "" }},
		{"unsupported kind", func(d *PipelineDefinition) { d.Source.Kind = "oracle" }},
		{"relational without conn", func(d *PipelineDefinition) { d.Source.Conn = "" }},
		{"relational without table", func(d *PipelineDefinition) { d.Source.Table = "" }},
		{"file without path", func(d *PipelineDefinition) { d.Target.Path = "" }},
		{"bad write mode", func(d *PipelineDefinition) { d.WriteMode = "merge" }},
		{"bad schema policy", func(d *PipelineDefinition) { d.SchemaPolicy = "coerce" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			err := def.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestValidateIncremental(t *testing.T) {
	def := validDefinition()
	def.Incremental = &IncrementalConfig{KeyColumn: "updated_at", Mode: IncrementalAppend}
	require.NoError(t, def.Validate())

	def.Incremental.Mode = IncrementalUpsert
	err := def.Validate()
	require.Error(t, err, "upsert without unique keys must fail")

	def.Incremental.UniqueKeys = []string{"id"}
	require.NoError(t, def.Validate())

	def.Incremental.KeyColumn = ""
	require.Error(t, def.Validate())

	def.Incremental = &IncrementalConfig{KeyColumn: "updated_at", Mode: "replace"}
	require.Error(t, def.Validate())
}

func TestParseAppliesDefaults(t *testing.T) {
	defs, err := Parse([]byte(`
pipelines:
  orders:
    source:
      kind: postgres
      conn: postgres://localhost/shop
      table: orders
    target:
      kind: csv
      path: /tmp/orders.csv
`))
	require.NoError(t, err)
	require.Contains(t, defs, "orders")

	def := defs["orders"]
	assert.True(t, def.Options.ComputeCount, "compute_count defaults true")
	assert.Equal(t, WriteModeAppend, def.WriteMode)
	assert.Equal(t, "ignore", def.SchemaPolicy)
	assert.Nil(t, def.Incremental)
}

func TestParseFullDefinition(t *testing.T) {
	defs, err := Parse([]byte(`
pipelines:
  events:
    source:
      kind: snowflake
      conn: user:pass@account/db
      schema: raw
      table: events
    target:
      kind: postgres
      conn: postgres://localhost/warehouse
      schema: analytics
      table: events
    options:
      compute_count: false
      sample_rows: 25
    incremental:
      key_column: updated_at
      mode: upsert
      unique_keys: [id]
    schema_policy: evolve
    write_mode: append
`))
	require.NoError(t, err)
	def := defs["events"]

	assert.False(t, def.Options.ComputeCount)
	assert.Equal(t, 25, def.Options.SampleRows)
	require.NotNil(t, def.Incremental)
	assert.Equal(t, "updated_at", def.Incremental.KeyColumn)
	assert.Equal(t, []string{"id"}, def.Incremental.UniqueKeys)
	assert.Equal(t, "evolve", def.SchemaPolicy)
}

func TestParseRejectsInvalidPipeline(t *testing.T) {
	_, err := Parse([]byte(`
pipelines:
  broken:
    source:
      kind: postgres
    target:
      kind: csv
      path: /tmp/x.csv
`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse([]byte("pipelines: {}"))
	require.Error(t, err)
}

func TestResolveEnvTokens(t *testing.T) {
	t.Setenv("SLUICE_TEST_DSN", "postgres://real/dsn")

	assert.Equal(t, "postgres://real/dsn", ResolveEnvTokens("__ENV:SLUICE_TEST_DSN"))
	assert.Equal(t, "plain", ResolveEnvTokens("plain"))
	assert.Equal(t, "", ResolveEnvTokens("__ENV:SLUICE_TEST_UNSET"))
}
