package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sluicedata/sluice/pkg/errors"
)

// envToken marks a value that should be resolved from the environment,
// e.g. conn: "__ENV:PG_DSN".
const envToken = "__ENV:"

// File is the on-disk layout of a pipelines file.
type File struct {
	Pipelines map[string]yaml.Node `yaml:"pipelines"`
}

// LoadFile reads a pipelines YAML file, applies defaults, resolves
// environment tokens in connection strings and paths, and validates every
// definition. Pipeline names are the map keys used for watermark lookup.
func LoadFile(path string) (map[string]*PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to read pipelines file %s", path))
	}
	return Parse(data)
}

// Parse decodes pipelines YAML content. Exposed separately for embedding
// callers that carry configuration through other channels.
func Parse(data []byte) (map[string]*PipelineDefinition, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse pipelines file")
	}
	if len(file.Pipelines) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "pipelines file defines no pipelines")
	}

	defs := make(map[string]*PipelineDefinition, len(file.Pipelines))
	for name, node := range file.Pipelines {
		def := NewPipelineDefinition()
		if err := node.Decode(def); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to parse pipeline %q", name))
		}

		resolveEndpointTokens(&def.Source)
		resolveEndpointTokens(&def.Target)

		if err := def.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("pipeline %q is invalid", name))
		}
		defs[name] = def
	}
	return defs, nil
}

func resolveEndpointTokens(e *EndpointConfig) {
	e.Conn = ResolveEnvTokens(e.Conn)
	e.Path = ResolveEnvTokens(e.Path)
}

// ResolveEnvTokens replaces a trailing __ENV:NAME token with the value of
// the named environment variable. Values without the token pass through
// unchanged; an unset variable resolves to the empty string so that
// validation reports the missing value.
func ResolveEnvTokens(s string) string {
	idx := strings.Index(s, envToken)
	if idx < 0 {
		return s
	}
	name := s[idx+len(envToken):]
	return s[:idx] + os.Getenv(name)
}
