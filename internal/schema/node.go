// Package schema learns JSON structure from live traffic, detects contract
// drift between observations, and generates realistic synthetic payloads
// from the learned model.
//
// A learned schema is a tree of Nodes. Each node describes one position in
// the payload: its observed JSON types, nullability, and the last concrete
// example. Object nodes carry named children; array nodes carry a single
// Items node covering every element.
package schema

import (
	"math"
	"time"
)

// JSON type names as recorded in Meta.TypesSeen. Null is never a type:
// observing null only flips Meta.Nullable.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// typePreference is the order used to pick the dominant type when a field
// has been observed with more than one.
var typePreference = []string{
	TypeObject, TypeArray, TypeString, TypeInteger, TypeNumber, TypeBoolean,
}

// Meta is the per-node field descriptor accumulated across observations.
type Meta struct {
	TypesSeen   []string  `json:"types_seen"`
	Nullable    bool      `json:"nullable"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
	Example     any       `json:"example,omitempty"`
}

// Node is one position in a learned schema tree.
type Node struct {
	Meta     Meta             `json:"meta"`
	Children map[string]*Node `json:"children,omitempty"`
	Items    *Node            `json:"items,omitempty"`
}

// jsonType maps a decoded JSON value to its type name. Callers must handle
// nil before calling; nil has no type.
func jsonType(v any) string {
	switch t := v.(type) {
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case float64:
		// encoding/json decodes every number as float64. Whole values are
		// reported as integers so the learned model matches the wire shape.
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return TypeInteger
		}
		return TypeNumber
	case int:
		return TypeInteger
	case int64:
		return TypeInteger
	case float32:
		return TypeNumber
	default:
		return TypeString
	}
}

// observe records one observation of a value at this node.
func (m *Meta) observe(v any) {
	m.Occurrences++
	m.LastSeen = time.Now().UTC()
	if v == nil {
		m.Nullable = true
		return
	}
	m.addType(jsonType(v))
	m.Example = v
}

func (m *Meta) addType(t string) {
	for _, seen := range m.TypesSeen {
		if seen == t {
			return
		}
	}
	m.TypesSeen = append(m.TypesSeen, t)
}

// HasType reports whether t was ever observed at this node.
func (m *Meta) HasType(t string) bool {
	for _, seen := range m.TypesSeen {
		if seen == t {
			return true
		}
	}
	return false
}

// PrimaryType returns the dominant observed type, or "" when the node has
// only ever been null (or never observed).
func (m *Meta) PrimaryType() string {
	if len(m.TypesSeen) == 0 {
		return ""
	}
	for _, t := range typePreference {
		if m.HasType(t) {
			return t
		}
	}
	return m.TypesSeen[0]
}

// Clone deep-copies the node tree. Example values are shared, not copied;
// they are treated as immutable once recorded.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Meta: n.Meta}
	out.Meta.TypesSeen = append([]string(nil), n.Meta.TypesSeen...)
	if n.Children != nil {
		out.Children = make(map[string]*Node, len(n.Children))
		for k, c := range n.Children {
			out.Children[k] = c.Clone()
		}
	}
	out.Items = n.Items.Clone()
	return out
}

// Learn merges one observed payload into current and returns the updated
// tree. Pass nil for the first observation. Every array element contributes
// to the Items node, not just the first.
func Learn(current *Node, value any) *Node {
	if current == nil {
		current = &Node{}
	}
	current.Meta.observe(value)

	switch v := value.(type) {
	case map[string]any:
		if current.Children == nil {
			current.Children = make(map[string]*Node, len(v))
		}
		for key, child := range v {
			current.Children[key] = Learn(current.Children[key], child)
		}
	case []any:
		for _, item := range v {
			current.Items = Learn(current.Items, item)
		}
	}
	return current
}
