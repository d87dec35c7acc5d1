package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/cascadeview/internal/model"
)

// ParseError describes text that cannot be loaded as a cascade document.
// Line is 1-based and zero when unknown.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

var lineRef = regexp.MustCompile(`line (\d+): `)

func newParseError(err error) *ParseError {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe
	}
	msg := strings.TrimPrefix(err.Error(), "yaml: ")
	var te *yamlv3.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		msg = te.Errors[0]
	}
	line := 0
	if m := lineRef.FindStringSubmatch(msg); m != nil {
		line, _ = strconv.Atoi(m[1])
		msg = strings.Replace(msg, m[0], "", 1)
	}
	return &ParseError{Line: line, Message: msg}
}

// aliases accepted on input, alias → canonical key
var (
	rootAliases  = [][2]string{{"id", "cascade_id"}, {"cells", "phases"}}
	phaseAliases = [][2]string{{"traits", "tackle"}, {"candidates", "soundings"}}
)

// Serialize renders a document as normalized YAML: canonical key names, null
// values and empty mappings or sequences left out, phases and mapping entries
// in authored order.
func Serialize(doc model.Document) ([]byte, error) {
	var root yamlv3.Node
	if err := root.Encode(doc); err != nil {
		return nil, fmt.Errorf("yaml encode: %w", err)
	}
	prune(&root)

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, fmt.Errorf("yaml marshal: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("yaml marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse loads a document from text. Aliased keys are rewritten to their
// canonical names and absent root fields get their defaults. Semantic checks
// are left to graph.ValidateDocument so that partial documents still load.
func Parse(text []byte) (model.Document, error) {
	doc := model.NewDocument("")
	if len(bytes.TrimSpace(text)) == 0 {
		return doc, nil
	}

	var file yamlv3.Node
	if err := yamlv3.Unmarshal(text, &file); err != nil {
		return doc, newParseError(err)
	}
	if file.Kind != yamlv3.DocumentNode || len(file.Content) == 0 {
		return doc, nil
	}
	root := file.Content[0]
	if root.Kind == yamlv3.ScalarNode && root.Tag == "!!null" {
		return doc, nil
	}
	if root.Kind != yamlv3.MappingNode {
		return doc, &ParseError{Line: root.Line, Message: "cascade document must be a mapping"}
	}
	if err := normalize(root); err != nil {
		return doc, err
	}

	var parsed model.Document
	if err := root.Decode(&parsed); err != nil {
		return doc, newParseError(err)
	}
	parsed.ApplyDefaults()
	return parsed, nil
}

func normalize(root *yamlv3.Node) error {
	for _, a := range rootAliases {
		if err := renameKey(root, a[0], a[1]); err != nil {
			return err
		}
	}
	phases := mappingValue(root, "phases")
	if phases == nil || phases.Kind != yamlv3.SequenceNode {
		return nil
	}
	for _, item := range phases.Content {
		if item.Kind != yamlv3.MappingNode {
			continue
		}
		for _, a := range phaseAliases {
			if err := renameKey(item, a[0], a[1]); err != nil {
				return err
			}
		}
		if err := normalizeHandoffs(item); err != nil {
			return err
		}
	}
	return nil
}

func renameKey(m *yamlv3.Node, alias, canonical string) error {
	var aliasKey *yamlv3.Node
	hasCanonical := false
	for i := 0; i+1 < len(m.Content); i += 2 {
		switch m.Content[i].Value {
		case alias:
			aliasKey = m.Content[i]
		case canonical:
			hasCanonical = true
		}
	}
	if aliasKey == nil {
		return nil
	}
	if hasCanonical {
		return &ParseError{
			Line:    aliasKey.Line,
			Message: fmt.Sprintf("%q and its alias %q are both set", canonical, alias),
		}
	}
	aliasKey.Value = canonical
	return nil
}

// normalizeHandoffs accepts a single name or {target: name} objects.
func normalizeHandoffs(phase *yamlv3.Node) error {
	h := mappingValue(phase, "handoffs")
	if h == nil {
		return nil
	}
	switch h.Kind {
	case yamlv3.ScalarNode:
		if h.Tag == "!!null" {
			return nil
		}
		item := *h
		h.Kind = yamlv3.SequenceNode
		h.Tag = "!!seq"
		h.Value = ""
		h.Style = 0
		h.Content = []*yamlv3.Node{&item}
	case yamlv3.SequenceNode:
		for i, item := range h.Content {
			if item.Kind != yamlv3.MappingNode {
				continue
			}
			target := mappingValue(item, "target")
			if target == nil || target.Kind != yamlv3.ScalarNode {
				return &ParseError{Line: item.Line, Message: "handoff object needs a target"}
			}
			h.Content[i] = target
		}
	}
	return nil
}

func mappingValue(m *yamlv3.Node, key string) *yamlv3.Node {
	if m == nil || m.Kind != yamlv3.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// prune drops null values and empty collections from mappings, bottom-up.
func prune(n *yamlv3.Node) {
	switch n.Kind {
	case yamlv3.DocumentNode, yamlv3.SequenceNode:
		for _, c := range n.Content {
			prune(c)
		}
	case yamlv3.MappingNode:
		kept := n.Content[:0]
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, value := n.Content[i], n.Content[i+1]
			prune(value)
			if isEmpty(value) {
				continue
			}
			kept = append(kept, key, value)
		}
		n.Content = kept
	}
}

func isEmpty(n *yamlv3.Node) bool {
	switch n.Kind {
	case yamlv3.ScalarNode:
		return n.Tag == "!!null"
	case yamlv3.MappingNode, yamlv3.SequenceNode:
		return len(n.Content) == 0
	}
	return false
}
