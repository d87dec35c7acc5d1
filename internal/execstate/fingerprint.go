package execstate

import (
	"encoding/json"
	"fmt"

	"github.com/msageha/cascadeview/internal/events"
	"github.com/msageha/cascadeview/internal/graph"
	"github.com/msageha/cascadeview/internal/model"
)

type fingerprintInput struct {
	Tool          string            `json:"tool,omitempty"`
	Instructions  string            `json:"instructions,omitempty"`
	Model         string            `json:"model,omitempty"`
	Tackle        []string          `json:"tackle,omitempty"`
	Inputs        *model.CellInputs `json:"inputs,omitempty"`
	CascadeInputs map[string]any    `json:"cascade_inputs,omitempty"`
	Upstream      []string          `json:"upstream,omitempty"`
}

// Fingerprints computes the input fingerprint of every phase. Each phase folds
// in the fingerprints of its direct upstream phases, which already fold in
// theirs, so a change anywhere upstream changes every fingerprint below it.
// Phases caught in a cycle are fingerprinted without the cyclic edge.
func Fingerprints(phases []model.Phase, cascadeInputs map[string]any) map[string]string {
	g := graph.Derive(phases)
	memo := make([]string, len(phases))
	visiting := make([]bool, len(phases))

	var compute func(i int) string
	compute = func(i int) string {
		if memo[i] != "" {
			return memo[i]
		}
		visiting[i] = true
		var upstream []string
		for _, u := range g.Upstream(i) {
			if visiting[u] {
				continue
			}
			upstream = append(upstream, phases[u].Name+"="+compute(u))
		}
		visiting[i] = false

		p := phases[i]
		data, err := json.Marshal(fingerprintInput{
			Tool:          p.Tool,
			Instructions:  p.Instructions,
			Model:         p.Model,
			Tackle:        p.Tackle,
			Inputs:        p.Inputs,
			CascadeInputs: cascadeInputs,
			Upstream:      upstream,
		})
		if err != nil {
			// unencodable extra input values; fall back to the raw source
			data = []byte(fmt.Sprintf("%s|%s|%v", p.Tool, p.Source(), upstream))
		}
		memo[i] = fmt.Sprintf("%016x", events.SimpleHash(data))
		return memo[i]
	}

	out := make(map[string]string, len(phases))
	for i := range phases {
		out[phases[i].Name] = compute(i)
	}
	return out
}

// Fingerprint returns the fingerprint of one phase, or "" if it is unknown.
func Fingerprint(phases []model.Phase, cascadeInputs map[string]any, name string) string {
	return Fingerprints(phases, cascadeInputs)[name]
}
