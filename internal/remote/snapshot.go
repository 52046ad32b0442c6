package remote

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Snapshot is an immutable view of a subtree at a point in time. A snapshot
// is either a leaf holding a scalar value, a branch holding children, or
// absent (Exists() == false). Snapshots are safe to share across goroutines.
type Snapshot struct {
	key      string
	exists   bool
	value    any // scalar leaf value: string, bool, or json.Number
	children []Snapshot
}

// Empty returns an absent snapshot for the given key.
func Empty(key string) Snapshot {
	return Snapshot{key: key}
}

// NewLeaf returns a leaf snapshot holding a scalar value.
func NewLeaf(key string, value any) Snapshot {
	return Snapshot{key: key, exists: true, value: value}
}

// NewBranch returns a branch snapshot. children must already be in the
// store's delivery order.
func NewBranch(key string, children []Snapshot) Snapshot {
	return Snapshot{key: key, exists: true, children: children}
}

// Key returns the last path segment this snapshot was read from.
func (s Snapshot) Key() string { return s.key }

// Exists reports whether any value is present at the snapshot's path.
func (s Snapshot) Exists() bool { return s.exists }

// Value returns the scalar value of a leaf, or nil for branches and absent
// snapshots.
func (s Snapshot) Value() any { return s.value }

// Children returns the child snapshots in delivery order.
func (s Snapshot) Children() []Snapshot { return s.children }

// Child returns the direct child with the given key, or an absent snapshot.
func (s Snapshot) Child(key string) Snapshot {
	for _, c := range s.children {
		if c.key == key {
			return c
		}
	}
	return Empty(key)
}

// FieldString returns the named child's value as a string, or "" if the child
// is missing or not a string leaf.
func (s Snapshot) FieldString(name string) string {
	v, _ := s.Child(name).value.(string)
	return v
}

// FieldInt64 returns the named child's value as an int64, or 0 if the child is
// missing or not numeric.
func (s Snapshot) FieldInt64(name string) int64 {
	n, ok := s.Child(name).value.(json.Number)
	if !ok {
		return 0
	}
	i, err := n.Int64()
	if err != nil {
		return 0
	}
	return i
}

// Export rebuilds the generic value held by the snapshot: a scalar for
// leaves, map[string]any for branches, nil when absent.
func (s Snapshot) Export() any {
	if !s.exists {
		return nil
	}
	if len(s.children) == 0 {
		return s.value
	}
	m := make(map[string]any, len(s.children))
	for _, c := range s.children {
		m[c.key] = c.Export()
	}
	return m
}

// Unmarshal decodes the snapshot into v through its JSON form.
func (s Snapshot) Unmarshal(v any) error {
	raw, err := json.Marshal(s.Export())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Normalize converts value into the store's generic form: scalars become
// string/bool/json.Number, structs and maps become map[string]any. nil stays
// nil (a delete).
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromValue builds a snapshot from a generic value (as produced by
// Normalize). Map children are ordered lexicographically by key, matching the
// store's delivery order.
func FromValue(key string, value any) Snapshot {
	if value == nil {
		return Empty(key)
	}
	m, ok := value.(map[string]any)
	if !ok {
		return NewLeaf(key, value)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	children := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		child := FromValue(k, m[k])
		if child.Exists() {
			children = append(children, child)
		}
	}
	return NewBranch(key, children)
}
