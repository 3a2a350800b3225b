// Package resolve picks a single value for a portal field out of the
// declaration snapshot. It performs no I/O and never fails.
package resolve

import (
	"strconv"
	"strings"

	"github.com/sells-group/customs-cli/internal/model"
)

// SourceKind identifies which branch produced a resolved value.
type SourceKind string

const (
	SourceStatic     SourceKind = "static"
	SourceFieldPath  SourceKind = "field_path"
	SourceRelation   SourceKind = "table_column_relation"
	SourceDefault    SourceKind = "default"
	SourceUnresolved SourceKind = "unresolved"
)

// Result is the outcome of resolving one mapping.
type Result struct {
	Value    string
	Resolved bool
	Source   SourceKind
}

// Unresolved is the zero-information result.
var Unresolved = Result{Source: SourceUnresolved}

// Resolve evaluates the mapping's data source in fixed priority order: static,
// field path, table/column/relation, default. The first branch that yields a
// non-null scalar wins.
func Resolve(m model.FieldMapping, snap model.Snapshot) Result {
	src := m.Source

	// An explicit static value is returned even when empty.
	if src.Static != nil {
		return Result{Value: *src.Static, Resolved: true, Source: SourceStatic}
	}

	if src.FieldPath != "" {
		if v, ok := scalar(snap, src.FieldPath); ok {
			return Result{Value: v, Resolved: true, Source: SourceFieldPath}
		}
	} else if src.Column != "" {
		if v, ok := scalar(snap, relationPath(src.Relation, src.Column)); ok {
			return Result{Value: v, Resolved: true, Source: SourceRelation}
		}
	}

	if m.Default != nil {
		return Result{Value: *m.Default, Resolved: true, Source: SourceDefault}
	}
	return Unresolved
}

func relationPath(relation, column string) string {
	relation = strings.Trim(relation, ". ")
	if relation == "" {
		return column
	}
	return relation + "." + column
}

func scalar(snap model.Snapshot, path string) (string, bool) {
	v, ok := snap.Lookup(path)
	if !ok {
		return "", false
	}
	return FormatValue(v)
}

// FormatValue renders a JSON scalar as a form value. Objects and lists are
// not values and report ok=false.
func FormatValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
