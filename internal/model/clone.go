package model

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return Document{
		ID:           d.ID,
		Description:  d.Description,
		InputsSchema: d.InputsSchema.Clone(),
		Validators:   d.Validators.Clone(),
		Phases:       ClonePhases(d.Phases),
		Extra:        CloneExtra(d.Extra),
	}
}

// ClonePhases deep-copies a phase list. A nil list stays nil.
func ClonePhases(phases []Phase) []Phase {
	if phases == nil {
		return nil
	}
	out := make([]Phase, len(phases))
	for i, p := range phases {
		out[i] = p.Clone()
	}
	return out
}

// Clone returns a deep copy of the phase.
func (p Phase) Clone() Phase {
	clone := p
	clone.Tackle = cloneStrings(p.Tackle)
	clone.Handoffs = cloneStrings(p.Handoffs)
	clone.Extra = CloneExtra(p.Extra)
	if p.Inputs != nil {
		in := *p.Inputs
		in.Extra = CloneExtra(in.Extra)
		clone.Inputs = &in
	}
	if p.Soundings != nil {
		s := *p.Soundings
		s.Extra = CloneExtra(s.Extra)
		clone.Soundings = &s
	}
	if p.Rules != nil {
		r := *p.Rules
		r.Extra = CloneExtra(r.Extra)
		clone.Rules = &r
	}
	if p.Context != nil {
		c := *p.Context
		c.From = cloneStrings(c.From)
		c.Extra = CloneExtra(c.Extra)
		clone.Context = &c
	}
	return clone
}

// CloneExtra deep-copies a decoded YAML/JSON value tree.
func CloneExtra(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices produced by a YAML or JSON decoder.
// Scalars are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneExtra(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return cloneStrings(val)
	default:
		return v
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
