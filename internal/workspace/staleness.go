package workspace

import (
	"reflect"
	"slices"

	"github.com/msageha/cascadeview/internal/graph"
	"github.com/msageha/cascadeview/internal/model"
)

// StaleAfterEdit returns the phases whose results an edit from before to
// after invalidates: everything downstream of a phase that was added or
// whose content changed (in the new graph), plus everything that was
// downstream of a removed phase (in the old graph). A phase whose content is
// unchanged but whose input sources differ (a move under context.from: all)
// is stale itself, along with its downstream. Edited phases themselves are
// not included, and handoff changes alone do not count.
func StaleAfterEdit(before, after []model.Phase) []string {
	old := make(map[string]model.Phase, len(before))
	for _, p := range before {
		old[p.Name] = p
	}
	current := make(map[string]bool, len(after))
	for _, p := range after {
		current[p.Name] = true
	}

	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, name := range names {
			if current[name] && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}

	oldGraph := graph.Derive(before)
	newGraph := graph.Derive(after)
	for _, p := range after {
		prev, existed := old[p.Name]
		if !existed || !sameContent(prev, p) {
			add(newGraph.DownstreamNames(p.Name))
			continue
		}
		if !slices.Equal(oldGraph.InputSources(p.Name), newGraph.InputSources(p.Name)) {
			add([]string{p.Name})
			add(newGraph.DownstreamNames(p.Name))
		}
	}

	for _, p := range before {
		if !current[p.Name] {
			add(oldGraph.DownstreamNames(p.Name))
		}
	}
	return out
}

func sameContent(a, b model.Phase) bool {
	a = a.Clone()
	b = b.Clone()
	a.Handoffs, b.Handoffs = nil, nil
	return reflect.DeepEqual(a, b)
}
