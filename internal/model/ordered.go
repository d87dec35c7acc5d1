package model

import (
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

// Entry is one key/value pair of an OrderedMap.
type Entry[V any] struct {
	Key   string
	Value V
}

// OrderedMap is a string-keyed mapping that keeps insertion order so that
// YAML output follows the authored order instead of sorted keys.
// The zero value is an empty map.
type OrderedMap[V any] struct {
	entries []Entry[V]
}

// NewOrderedMap builds a map from entries, later duplicates overwriting earlier ones.
func NewOrderedMap[V any](entries ...Entry[V]) OrderedMap[V] {
	var m OrderedMap[V]
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

func (m OrderedMap[V]) Len() int {
	return len(m.entries)
}

// IsZero reports whether the map is empty; yaml.v3 uses it for omitempty.
func (m OrderedMap[V]) IsZero() bool {
	return len(m.entries) == 0
}

func (m OrderedMap[V]) Get(key string) (V, bool) {
	for _, e := range m.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	var zero V
	return zero, false
}

// Set updates key in place or appends it.
func (m *OrderedMap[V]) Set(key string, value V) {
	for i := range m.entries {
		if m.entries[i].Key == key {
			m.entries[i].Value = value
			return
		}
	}
	m.entries = append(m.entries, Entry[V]{Key: key, Value: value})
}

func (m *OrderedMap[V]) Delete(key string) bool {
	for i := range m.entries {
		if m.entries[i].Key == key {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			if len(m.entries) == 0 {
				m.entries = nil
			}
			return true
		}
	}
	return false
}

func (m OrderedMap[V]) Keys() []string {
	if len(m.entries) == 0 {
		return nil
	}
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.Key
	}
	return keys
}

func (m OrderedMap[V]) Entries() []Entry[V] {
	if len(m.entries) == 0 {
		return nil
	}
	out := make([]Entry[V], len(m.entries))
	copy(out, m.entries)
	return out
}

// Clone copies the entry list. Values are copied with cloneValue when they
// are not plain values.
func (m OrderedMap[V]) Clone() OrderedMap[V] {
	if len(m.entries) == 0 {
		return OrderedMap[V]{}
	}
	out := OrderedMap[V]{entries: make([]Entry[V], len(m.entries))}
	for i, e := range m.entries {
		out.entries[i] = Entry[V]{Key: e.Key, Value: cloneAs(e.Value)}
	}
	return out
}

func (m OrderedMap[V]) MarshalYAML() (interface{}, error) {
	node := &yamlv3.Node{Kind: yamlv3.MappingNode, Tag: "!!map"}
	for _, e := range m.entries {
		var value yamlv3.Node
		if err := value.Encode(e.Value); err != nil {
			return nil, fmt.Errorf("encode %q: %w", e.Key, err)
		}
		node.Content = append(node.Content,
			&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: e.Key},
			&value,
		)
	}
	return node, nil
}

func (m *OrderedMap[V]) UnmarshalYAML(node *yamlv3.Node) error {
	m.entries = nil
	if node.Kind == yamlv3.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yamlv3.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var value V
		if err := node.Content[i+1].Decode(&value); err != nil {
			return err
		}
		m.Set(node.Content[i].Value, value)
	}
	return nil
}

// cloneAs deep-copies values that implement cloner and passes the rest through.
func cloneAs[V any](v V) V {
	if c, ok := any(v).(interface{ Clone() V }); ok {
		return c.Clone()
	}
	return v
}
