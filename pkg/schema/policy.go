package schema

import (
	"fmt"

	"github.com/sluicedata/sluice/pkg/errors"
)

// Policy controls how schema drift between source and target is reconciled.
type Policy string

const (
	// PolicyIgnore accepts any diff silently; incompatibilities surface
	// downstream at write time, uncaught.
	PolicyIgnore Policy = "ignore"
	// PolicyFail rejects any non-empty diff before a write occurs.
	PolicyFail Policy = "fail"
	// PolicyEvolve appends added columns to the target. Removed or retyped
	// columns are still rejected: evolution only ever widens.
	PolicyEvolve Policy = "evolve"
)

// ParsePolicy validates a policy string from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyIgnore, PolicyFail, PolicyEvolve:
		return Policy(s), nil
	case "":
		return PolicyIgnore, nil
	default:
		return "", errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown schema policy %q", s))
	}
}

// EvolutionAction is the outcome of applying a policy to a diff. AddColumns
// lists the columns to append to the target, in source declaration order,
// before any write is issued. Each is added nullable with a null default.
type EvolutionAction struct {
	AddColumns []Column
}

// ApplyPolicy evaluates a diff under the configured policy. It returns the
// evolution action to perform, or a schema_mismatch error carrying the diff
// when the policy rejects it.
func ApplyPolicy(diff *Diff, policy Policy) (*EvolutionAction, error) {
	if diff == nil || diff.Empty() {
		return &EvolutionAction{}, nil
	}

	switch policy {
	case PolicyIgnore:
		return &EvolutionAction{}, nil

	case PolicyFail:
		return nil, mismatch(diff, "source and target schemas differ")

	case PolicyEvolve:
		if len(diff.Removed) > 0 {
			return nil, mismatch(diff, "target has columns missing from source; evolution never narrows")
		}
		if len(diff.TypeChanged) > 0 {
			return nil, mismatch(diff, "column types drifted; evolution never retypes")
		}
		added := make([]Column, len(diff.Added))
		for i, c := range diff.Added {
			c.Nullable = true
			added[i] = c
		}
		return &EvolutionAction{AddColumns: added}, nil

	default:
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown schema policy %q", policy))
	}
}

func mismatch(diff *Diff, msg string) error {
	return errors.New(errors.ErrorTypeSchemaMismatch, msg).WithDetail("diff", diff)
}
