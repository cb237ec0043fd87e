// Package schema provides the typed representation of a relation's columns
// and the diffing and evolution-policy logic applied between pipeline runs.
//
// A Snapshot is always taken live from a backend's metadata probe at the
// start of a run; it is never cached across runs. Two snapshots are
// structurally equal when they carry the same column names with identical
// logical types, regardless of column order.
package schema

// LogicalType is the backend-independent type of a column.
type LogicalType string

const (
	TypeString    LogicalType = "string"
	TypeInt32     LogicalType = "int32"
	TypeInt64     LogicalType = "int64"
	TypeFloat64   LogicalType = "float64"
	TypeDecimal   LogicalType = "decimal"
	TypeBool      LogicalType = "bool"
	TypeTimestamp LogicalType = "timestamp"
	TypeDate      LogicalType = "date"
	TypeTime      LogicalType = "time"
	TypeJSON      LogicalType = "json"
	TypeBinary    LogicalType = "binary"
)

// Column describes one column of a relation.
type Column struct {
	Name     string      `json:"name"`
	Type     LogicalType `json:"type"`
	Nullable bool        `json:"nullable"`
}

// Snapshot is the ordered column set of one relation at one point in time.
type Snapshot struct {
	Relation string   `json:"relation"`
	Columns  []Column `json:"columns"`
	// Untyped marks a snapshot whose backend only exposes column names,
	// not types. A CSV header probe is the example: every column comes
	// back as a nullable string. Diffs against an untyped snapshot skip
	// type comparison so fabricated types never count as drift.
	Untyped bool `json:"untyped,omitempty"`
}

// ColumnNames returns the column names in declaration order.
func (s *Snapshot) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the column with the given name, if present.
func (s *Snapshot) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumns reports whether every name is a column of the snapshot.
func (s *Snapshot) HasColumns(names []string) bool {
	for _, n := range names {
		if _, ok := s.Column(n); !ok {
			return false
		}
	}
	return true
}
