// Package config defines the validated pipeline definition handed to the
// execution engine, plus the YAML loader used by the CLI.
//
// A PipelineDefinition identifies one source and one target endpoint, the
// processing options for a run, the incremental-cursor configuration and the
// schema-drift policy. Callers are expected to Validate a definition before
// handing it to the runner; column-level checks that require a live source
// schema (unique keys membership) happen at run time instead.
package config

import (
	"fmt"

	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/schema"
)

// Endpoint kinds understood by the adapter registry.
const (
	KindPostgres  = "postgres"
	KindMySQL     = "mysql"
	KindSnowflake = "snowflake"
	KindParquet   = "parquet"
	KindCSV       = "csv"
)

// Write modes for the target relation.
const (
	WriteModeCreate    = "create"
	WriteModeAppend    = "append"
	WriteModeOverwrite = "overwrite"
)

// Incremental modes.
const (
	IncrementalAppend = "append"
	IncrementalUpsert = "upsert"
)

// EndpointConfig identifies one backend endpoint and the relation to move.
// Relational kinds use Conn/Schema/Table; file kinds use Path. Name is the
// attachment alias used in generated statements.
type EndpointConfig struct {
	Kind   string            `yaml:"kind" json:"kind"`
	Conn   string            `yaml:"conn,omitempty" json:"conn,omitempty"`
	Path   string            `yaml:"path,omitempty" json:"path,omitempty"`
	Name   string            `yaml:"name,omitempty" json:"name,omitempty"`
	Schema string            `yaml:"schema,omitempty" json:"schema,omitempty"`
	Table  string            `yaml:"table,omitempty" json:"table,omitempty"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsFileKind reports whether the endpoint is an object-storage file backend.
func (e *EndpointConfig) IsFileKind() bool {
	return e.Kind == KindParquet || e.Kind == KindCSV
}

// ProcessingOptions control the optional COMPUTE sub-steps of a run.
type ProcessingOptions struct {
	// ComputeCount enables the row-count sub-step.
	ComputeCount bool `yaml:"compute_count" json:"compute_count"`
	// SampleRows enables the sample sub-step when positive.
	SampleRows int `yaml:"sample_rows" json:"sample_rows"`
	// FullRefresh clears the stored watermark before the run.
	FullRefresh bool `yaml:"full_refresh" json:"full_refresh"`
}

// IncrementalConfig bounds each run's source scan by a cursor column.
type IncrementalConfig struct {
	KeyColumn string `yaml:"key_column" json:"key_column"`
	// Mode is append or upsert. Upsert requires UniqueKeys and makes
	// at-least-once re-processing idempotent.
	Mode       string   `yaml:"mode" json:"mode"`
	UniqueKeys []string `yaml:"unique_keys,omitempty" json:"unique_keys,omitempty"`
}

// PipelineDefinition is the immutable, caller-supplied description of one
// pipeline. It is validated once, then treated as read-only by the engine.
type PipelineDefinition struct {
	Source       EndpointConfig     `yaml:"source" json:"source"`
	Target       EndpointConfig     `yaml:"target" json:"target"`
	Options      ProcessingOptions  `yaml:"options" json:"options"`
	Incremental  *IncrementalConfig `yaml:"incremental,omitempty" json:"incremental,omitempty"`
	SchemaPolicy string             `yaml:"schema_policy" json:"schema_policy"`
	WriteMode    string             `yaml:"write_mode" json:"write_mode"`
}

// NewPipelineDefinition returns a definition with the defaults applied by
// the loader before unmarshalling.
func NewPipelineDefinition() *PipelineDefinition {
	return &PipelineDefinition{
		Options: ProcessingOptions{
			ComputeCount: true,
			SampleRows:   0,
		},
		SchemaPolicy: string(schema.PolicyIgnore),
		WriteMode:    WriteModeAppend,
	}
}

// Validate checks the definition for structural correctness. The upsert
// unique-keys-subset-of-source-columns invariant is checked at run time,
// once the source has been described.
func (d *PipelineDefinition) Validate() error {
	if err := validateEndpoint("source", &d.Source); err != nil {
		return err
	}
	if err := validateEndpoint("target", &d.Target); err != nil {
		return err
	}

	switch d.WriteMode {
	case WriteModeCreate, WriteModeAppend, WriteModeOverwrite:
	default:
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown write mode %q", d.WriteMode))
	}

	if _, err := schema.ParsePolicy(d.SchemaPolicy); err != nil {
		return err
	}

	if inc := d.Incremental; inc != nil {
		if inc.KeyColumn == "" {
			return errors.New(errors.ErrorTypeConfig, "incremental config requires key_column")
		}
		switch inc.Mode {
		case IncrementalAppend:
		case IncrementalUpsert:
			if len(inc.UniqueKeys) == 0 {
				return errors.New(errors.ErrorTypeConfig, "upsert mode requires unique_keys")
			}
		default:
			return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown incremental mode %q", inc.Mode))
		}
	}

	return nil
}

func validateEndpoint(role string, e *EndpointConfig) error {
	switch e.Kind {
	case KindPostgres, KindMySQL, KindSnowflake:
		if e.Conn == "" {
			return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("%s %s endpoint requires conn", role, e.Kind))
		}
		if e.Table == "" {
			return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("%s %s endpoint requires table", role, e.Kind))
		}
	case KindParquet, KindCSV:
		if e.Path == "" {
			return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("%s %s endpoint requires path", role, e.Kind))
		}
	case "":
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("%s endpoint requires kind", role))
	default:
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unsupported %s kind %q", role, e.Kind))
	}
	return nil
}
