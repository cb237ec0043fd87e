package schema

// TypeChange records a column whose logical type differs between snapshots.
type TypeChange struct {
	Column  string      `json:"column"`
	OldType LogicalType `json:"old_type"`
	NewType LogicalType `json:"new_type"`
}

// Diff is the result of comparing a new (source) snapshot against a prior
// (target) snapshot. A diff with all three sets empty is a no-op for
// evolution purposes; column ordering differences are not significant.
type Diff struct {
	Added       []Column     `json:"added,omitempty"`
	Removed     []Column     `json:"removed,omitempty"`
	TypeChanged []TypeChange `json:"type_changed,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.TypeChanged) == 0
}

// Compare diffs a newly described source snapshot against the prior target
// snapshot. Columns are matched by name only; type compatibility is exact
// logical-type equality. No implicit widening is recognized, so an int32 to
// int64 drift is reported as a type change. When either snapshot is
// untyped, types are placeholders and type changes are not reported.
func Compare(newSnap, prior *Snapshot) *Diff {
	diff := &Diff{}
	if prior == nil {
		return diff
	}
	compareTypes := !newSnap.Untyped && !prior.Untyped

	priorByName := make(map[string]Column, len(prior.Columns))
	for _, c := range prior.Columns {
		priorByName[c.Name] = c
	}

	newByName := make(map[string]Column, len(newSnap.Columns))
	for _, c := range newSnap.Columns {
		newByName[c.Name] = c

		old, ok := priorByName[c.Name]
		if !ok {
			diff.Added = append(diff.Added, c)
			continue
		}
		if compareTypes && old.Type != c.Type {
			diff.TypeChanged = append(diff.TypeChanged, TypeChange{
				Column:  c.Name,
				OldType: old.Type,
				NewType: c.Type,
			})
		}
	}

	// Preserve the prior snapshot's declaration order for removed columns.
	for _, c := range prior.Columns {
		if _, ok := newByName[c.Name]; !ok {
			diff.Removed = append(diff.Removed, c)
		}
	}

	return diff
}
