package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Snapshot is a read-only view of a declaration's data, taken once when a
// submission starts. Values are JSON-shaped: maps, slices, strings, numbers,
// booleans and nil.
type Snapshot struct {
	data map[string]any
}

// NewSnapshot wraps decoded declaration data.
func NewSnapshot(data map[string]any) Snapshot {
	if data == nil {
		data = map[string]any{}
	}
	return Snapshot{data: data}
}

// ParseSnapshot decodes a JSON object into a Snapshot.
func ParseSnapshot(raw []byte) (Snapshot, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(data), nil
}

// Data returns the underlying map.
func (s Snapshot) Data() map[string]any {
	return s.data
}

// Lookup walks a dotted path. Numeric segments index into lists. A missing
// segment or a nil leaf reports ok=false.
func (s Snapshot) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var cur any = s.data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// List returns the elements at path when it holds a list.
func (s Snapshot) List(path string) []any {
	v, ok := s.Lookup(path)
	if !ok {
		return nil
	}
	l, _ := v.([]any)
	return l
}

// Scoped returns a snapshot whose root is elem overlaid on s. Keys in elem
// shadow root keys; everything else stays reachable.
func (s Snapshot) Scoped(elem map[string]any) Snapshot {
	merged := make(map[string]any, len(s.data)+len(elem))
	for k, v := range s.data {
		merged[k] = v
	}
	for k, v := range elem {
		merged[k] = v
	}
	return Snapshot{data: merged}
}
