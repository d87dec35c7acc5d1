package yaml

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cascadeview/internal/model"
)

func sampleDocument() model.Document {
	doc := model.NewDocument("market_scan")
	doc.Description = "Scan markets and summarize"
	doc.InputsSchema.Set("region", "Which region to scan")
	doc.InputsSchema.Set("depth", "How many rows")
	doc.Validators.Set("non_empty", model.ValidatorSpec{Instructions: "output is not empty", Model: "judge"})
	doc.Phases = []model.Phase{
		{
			Name:     "load",
			Tool:     model.ToolSQLData,
			Inputs:   &model.CellInputs{Query: "SELECT *\nFROM markets\nWHERE region = '{{ input.region }}'", Connection: "warehouse"},
			Handoffs: []string{"analyze"},
		},
		{
			Name:         "analyze",
			Instructions: "Analyze {{ outputs.load }}",
			Model:        "gpt-large",
			Tackle:       []string{"python", "search"},
			Soundings:    &model.SoundingsConfig{Factor: 3, EvaluatorInstructions: "pick the clearest", Mutate: true},
			Rules:        &model.RulesConfig{MaxTurns: 4, LoopUntil: "non_empty"},
			Context:      &model.ContextConfig{From: []string{"load"}},
			Handoffs:     []string{"report"},
			Extra:        map[string]any{"output_schema": map[string]any{"type": "object"}},
		},
		{
			Name:   "report",
			Tool:   model.ToolPythonData,
			Inputs: &model.CellInputs{Code: "print('done')"},
		},
	}
	return doc
}

func TestSerialize_RoundTrip(t *testing.T) {
	docs := map[string]model.Document{
		"full":    sampleDocument(),
		"minimal": {ID: "x", Phases: []model.Phase{model.NewPhase("only")}},
		"no phases": {
			ID:          "empty",
			Description: "nothing yet",
		},
	}
	for i := 0; i < 20; i++ {
		doc := model.NewDocument(fmt.Sprintf("generated_%d", i))
		for j := 0; j <= i%5; j++ {
			p := model.Phase{Name: fmt.Sprintf("p%d", j), Instructions: fmt.Sprintf("step %d uses {{ outputs.p%d }}", j, j-1), Model: "m"}
			if j%2 == 0 {
				p = model.Phase{Name: p.Name, Tool: model.ToolJSData, Inputs: &model.CellInputs{Code: fmt.Sprintf("return %d", j)}}
			}
			if j > 0 && i%3 == 0 {
				p.Context = &model.ContextConfig{From: []string{model.ContextFromAll}}
			}
			doc.Phases = append(doc.Phases, p)
		}
		if i%2 == 1 {
			doc.InputsSchema.Set(fmt.Sprintf("in_%d", i), "value")
		}
		docs[doc.ID] = doc
	}

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			text, err := Serialize(doc)
			require.NoError(t, err)
			got, err := Parse(text)
			require.NoError(t, err, "text:\n%s", text)
			assert.Equal(t, doc, got)

			again, err := Serialize(got)
			require.NoError(t, err)
			assert.Equal(t, string(text), string(again))
		})
	}
}

func TestSerialize_PrunesEmptyFields(t *testing.T) {
	doc := model.Document{
		ID: "prune",
		Phases: []model.Phase{{
			Name:     "a",
			Tool:     model.ToolSQLData,
			Inputs:   &model.CellInputs{Query: "SELECT 1"},
			Tackle:   []string{},
			Context:  &model.ContextConfig{},
			Handoffs: nil,
			Extra:    map[string]any{"note": nil, "empty_map": map[string]any{}, "empty_list": []any{}},
		}},
	}
	text, err := Serialize(doc)
	require.NoError(t, err)

	want := "cascade_id: prune\nphases:\n  - name: a\n    tool: sql_data\n    inputs:\n      query: SELECT 1\n"
	assert.Equal(t, want, string(text))
}

func TestSerialize_PreservesAuthoredOrder(t *testing.T) {
	doc := model.NewDocument("order")
	for _, k := range []string{"zeta", "alpha", "mid"} {
		doc.InputsSchema.Set(k, k+" input")
	}
	doc.Phases = []model.Phase{model.NewPhase("second"), model.NewPhase("first")}

	text, err := Serialize(doc)
	require.NoError(t, err)
	s := string(text)
	assert.Less(t, strings.Index(s, "zeta"), strings.Index(s, "alpha"))
	assert.Less(t, strings.Index(s, "alpha"), strings.Index(s, "mid"))
	assert.Less(t, strings.Index(s, "name: second"), strings.Index(s, "name: first"))
	assert.Less(t, strings.Index(s, "cascade_id"), strings.Index(s, "inputs_schema"))
}

func TestParse_Defaults(t *testing.T) {
	for _, text := range []string{"", "   \n", "~\n", "description: partial\n"} {
		doc, err := Parse([]byte(text))
		require.NoError(t, err, "text %q", text)
		assert.Equal(t, model.DefaultCascadeID, doc.ID)
		assert.Empty(t, doc.Phases)
		assert.Equal(t, 0, doc.InputsSchema.Len())
		assert.Equal(t, 0, doc.Validators.Len())
	}
}

func TestParse_Aliases(t *testing.T) {
	text := `
id: aliased
cells:
  - name: a
    instructions: go
    model: m
    traits: [search]
    candidates:
      factor: 2
    handoffs:
      - target: b
  - name: b
    tool: sql_data
    inputs:
      query: SELECT 1
    handoffs: c
  - name: c
    tool: sql_data
    inputs:
      query: SELECT 2
`
	doc, err := Parse([]byte(text))
	require.NoError(t, err)
	assert.Equal(t, "aliased", doc.ID)
	require.Len(t, doc.Phases, 3)
	assert.Equal(t, []string{"search"}, doc.Phases[0].Tackle)
	require.NotNil(t, doc.Phases[0].Soundings)
	assert.Equal(t, 2, doc.Phases[0].Soundings.Factor)
	assert.Equal(t, []string{"b"}, doc.Phases[0].Handoffs)
	assert.Equal(t, []string{"c"}, doc.Phases[1].Handoffs)
	assert.Nil(t, doc.Phases[0].Extra)

	out, err := Serialize(doc)
	require.NoError(t, err)
	s := string(out)
	for _, alias := range []string{"id:", "cells:", "traits:", "candidates:", "target:"} {
		assert.NotContains(t, strings.ReplaceAll(s, "cascade_id:", ""), alias)
	}
	assert.Contains(t, s, "cascade_id: aliased")
	assert.Contains(t, s, "tackle:")
	assert.Contains(t, s, "soundings:")
}

func TestParse_UnknownKeysSurvive(t *testing.T) {
	text := "cascade_id: x\nphases:\n  - name: a\n    instructions: hi\n    model: m\n    output_schema:\n      type: object\n"
	doc, err := Parse([]byte(text))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"output_schema": map[string]any{"type": "object"}}, doc.Phases[0].Extra)

	out, err := Serialize(doc)
	require.NoError(t, err)
	assert.Equal(t, text, string(out))
}

func TestParse_UnknownRootKeysSurvive(t *testing.T) {
	text := "cascade_id: x\nphases:\n  - name: a\n    instructions: hi\nmemory: research_notes\nsettings:\n  budget: 5\n"
	doc, err := Parse([]byte(text))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"memory":   "research_notes",
		"settings": map[string]any{"budget": 5},
	}, doc.Extra)

	out, err := Serialize(doc)
	require.NoError(t, err)
	assert.Equal(t, text, string(out))

	clone := doc.Clone()
	clone.Extra["settings"].(map[string]any)["budget"] = 9
	assert.Equal(t, 5, doc.Extra["settings"].(map[string]any)["budget"])
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantLine int
		wantMsg  string
	}{
		{"syntax", "cascade_id: x\nphases: [\n", 0, ""},
		{"root not mapping", "- a\n- b\n", 1, "must be a mapping"},
		{"alias with canonical", "cascade_id: x\nid: y\n", 2, `"cascade_id" and its alias "id"`},
		{"phase alias clash", "phases:\n  - name: a\n    tackle: [x]\n    traits: [y]\n", 4, "alias"},
		{"handoff object without target", "phases:\n  - name: a\n    handoffs:\n      - next: b\n", 4, "target"},
		{"wrong type", "cascade_id: x\nphases:\n  - name: a\n    soundings:\n      factor: many\n", 5, "cannot unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.text))
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected ParseError, got %T", err)
			if tt.wantLine > 0 {
				assert.Equal(t, tt.wantLine, pe.Line, "error: %v", pe)
			}
			assert.Contains(t, pe.Error(), tt.wantMsg)
		})
	}
}
