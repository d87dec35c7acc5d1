// Package model defines the cascade document, execution statuses and
// configuration shared by the cascadeview packages.
package model

import "fmt"

const DefaultCascadeID = "new_cascade"

// Tool names for deterministic phases.
const (
	ToolSQLData     = "sql_data"
	ToolPythonData  = "python_data"
	ToolJSData      = "js_data"
	ToolClojureData = "clojure_data"
)

var validTools = map[string]bool{
	ToolSQLData:     true,
	ToolPythonData:  true,
	ToolJSData:      true,
	ToolClojureData: true,
}

// IsValidTool reports whether tool names a deterministic phase tool.
func IsValidTool(tool string) bool {
	return validTools[tool]
}

type PhaseKind string

const (
	PhaseKindDeterministic PhaseKind = "deterministic"
	PhaseKindLLM           PhaseKind = "llm"
)

// ContextFromAll is the context.from entry that imports every earlier phase.
const ContextFromAll = "all"

// Document is the editable cascade definition. Phase order is execution order
// unless handoffs say otherwise.
type Document struct {
	ID           string                    `yaml:"cascade_id,omitempty"`
	Description  string                    `yaml:"description,omitempty"`
	InputsSchema OrderedMap[string]        `yaml:"inputs_schema,omitempty"`
	Validators   OrderedMap[ValidatorSpec] `yaml:"validators,omitempty"`
	Phases       []Phase                   `yaml:"phases,omitempty"`
	// Extra holds root keys without a field here, such as memory or
	// cascade-level settings, so that they are written back unchanged.
	Extra map[string]any `yaml:",inline"`
}

type ValidatorSpec struct {
	Instructions string         `yaml:"instructions,omitempty"`
	Model        string         `yaml:"model,omitempty"`
	Extra        map[string]any `yaml:",inline"`
}

func (v ValidatorSpec) Clone() ValidatorSpec {
	v.Extra = CloneExtra(v.Extra)
	return v
}

// Phase is one cell of a cascade. Tool set means a deterministic phase,
// otherwise the phase is LLM driven.
type Phase struct {
	Name         string           `yaml:"name"`
	Tool         string           `yaml:"tool,omitempty"`
	Inputs       *CellInputs      `yaml:"inputs,omitempty"`
	Instructions string           `yaml:"instructions,omitempty"`
	Model        string           `yaml:"model,omitempty"`
	Tackle       []string         `yaml:"tackle,omitempty"`
	Soundings    *SoundingsConfig `yaml:"soundings,omitempty"`
	Rules        *RulesConfig     `yaml:"rules,omitempty"`
	Context      *ContextConfig   `yaml:"context,omitempty"`
	Handoffs     []string         `yaml:"handoffs,omitempty"`
	// Extra keeps keys this model does not know about so they survive a round-trip.
	Extra map[string]any `yaml:",inline"`
}

type CellInputs struct {
	Query      string         `yaml:"query,omitempty"`
	Code       string         `yaml:"code,omitempty"`
	Connection string         `yaml:"connection,omitempty"`
	Extra      map[string]any `yaml:",inline"`
}

type SoundingsConfig struct {
	Factor                int            `yaml:"factor,omitempty"`
	EvaluatorInstructions string         `yaml:"evaluator_instructions,omitempty"`
	Mutate                bool           `yaml:"mutate,omitempty"`
	Extra                 map[string]any `yaml:",inline"`
}

type RulesConfig struct {
	MaxTurns    int            `yaml:"max_turns,omitempty"`
	MaxAttempts int            `yaml:"max_attempts,omitempty"`
	LoopUntil   string         `yaml:"loop_until,omitempty"`
	Extra       map[string]any `yaml:",inline"`
}

type ContextConfig struct {
	From  []string       `yaml:"from,omitempty"`
	Extra map[string]any `yaml:",inline"`
}

// Kind classifies the phase by which shape it uses.
func (p Phase) Kind() PhaseKind {
	if p.Tool != "" {
		return PhaseKindDeterministic
	}
	return PhaseKindLLM
}

// Source returns the query or code of a deterministic phase, or the
// instructions of an LLM phase.
func (p Phase) Source() string {
	if p.Kind() == PhaseKindLLM {
		return p.Instructions
	}
	if p.Inputs == nil {
		return ""
	}
	if p.Inputs.Query != "" {
		return p.Inputs.Query
	}
	return p.Inputs.Code
}

// HandsOffTo reports whether name is among the declared handoffs.
func (p Phase) HandsOffTo(name string) bool {
	for _, h := range p.Handoffs {
		if h == name {
			return true
		}
	}
	return false
}

// NewPhase returns the template default for a freshly added phase.
func NewPhase(name string) Phase {
	return Phase{
		Name:   name,
		Tool:   ToolSQLData,
		Inputs: &CellInputs{Query: "SELECT 1"},
	}
}

// NewDocument returns a document with the root defaults applied.
func NewDocument(id string) Document {
	if id == "" {
		id = DefaultCascadeID
	}
	return Document{ID: id}
}

// ApplyDefaults fills absent root fields.
func (d *Document) ApplyDefaults() {
	if d.ID == "" {
		d.ID = DefaultCascadeID
	}
}

// PhaseNames returns the names in document order.
func (d Document) PhaseNames() []string {
	return PhaseNames(d.Phases)
}

func PhaseNames(phases []Phase) []string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.Name
	}
	return names
}

// IndexOf returns the index of the named phase or -1.
func IndexOf(phases []Phase, name string) int {
	for i, p := range phases {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Phase returns the named phase.
func (d Document) Phase(name string) (Phase, bool) {
	i := IndexOf(d.Phases, name)
	if i < 0 {
		return Phase{}, false
	}
	return d.Phases[i], true
}

// Validate checks the static document invariants: unique phase names,
// handoffs and context.from naming existing phases, and well-formed phase shapes.
// Cycles are checked by the graph package.
func (d Document) Validate() error {
	errs := &ValidationErrors{}
	if d.ID == "" {
		errs.Add("cascade_id", "is required")
	}
	ValidatePhases(d.Phases, errs)
	return errs.Err()
}

// ValidatePhases appends phase-level violations to errs.
func ValidatePhases(phases []Phase, errs *ValidationErrors) {
	names := make(map[string]bool, len(phases))
	for i, p := range phases {
		path := fmt.Sprintf("phases[%d]", i)
		if p.Name == "" {
			errs.Add(path+".name", "is required")
			continue
		}
		if names[p.Name] {
			errs.Addf(path+".name", "duplicate phase name %q", p.Name)
		}
		names[p.Name] = true
	}
	for i, p := range phases {
		path := fmt.Sprintf("phases[%d]", i)
		if p.Tool != "" {
			if !IsValidTool(p.Tool) {
				errs.Addf(path+".tool", "unknown tool %q", p.Tool)
			}
			if p.Instructions != "" {
				errs.Add(path, "tool and instructions are mutually exclusive")
			}
		}
		for j, h := range p.Handoffs {
			if !names[h] {
				errs.Addf(fmt.Sprintf("%s.handoffs[%d]", path, j), "references unknown phase %q", h)
			}
		}
		if p.Context != nil {
			for j, from := range p.Context.From {
				if from != ContextFromAll && !names[from] {
					errs.Addf(fmt.Sprintf("%s.context.from[%d]", path, j), "references unknown phase %q", from)
				}
			}
		}
	}
}
