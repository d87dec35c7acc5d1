package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/cascadeview/internal/model"
)

// Layers places phases Kahn-style: a phase joins a layer only once all of its
// sources sit in earlier layers. Phases caught in a cycle are returned as
// unplaced; callers must treat a non-empty unplaced list as a validation error.
func (g *Graph) Layers() (layers [][]int, unplaced []int) {
	inDegree := make([]int, g.Len())
	copy(inDegree, g.InDegree)
	placed := make([]bool, g.Len())

	var current []int
	for i, d := range inDegree {
		if d == 0 {
			current = append(current, i)
		}
	}
	for len(current) > 0 {
		layers = append(layers, current)
		var next []int
		for _, n := range current {
			placed[n] = true
			for _, dependent := range g.forward[n] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = sortedUnique(next)
	}
	for i, ok := range placed {
		if !ok {
			unplaced = append(unplaced, i)
		}
	}
	return layers, unplaced
}

// TopoOrder flattens Layers, or returns the cycle as an error.
func (g *Graph) TopoOrder() ([]string, error) {
	layers, unplaced := g.Layers()
	if len(unplaced) > 0 {
		return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(g.CyclePath(unplaced), " -> "))
	}
	var order []string
	for _, layer := range layers {
		for _, n := range layer {
			order = append(order, g.Names[n])
		}
	}
	return order, nil
}

// CyclePath finds one cycle among the given unplaced phases and returns it as
// names, first name repeated at the end.
func (g *Graph) CyclePath(unplaced []int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make([]int, g.Len())
	parent := make([]int, g.Len())
	var cycle []int

	var dfs func(node int) bool
	dfs = func(node int) bool {
		color[node] = gray
		for _, next := range g.forward[node] {
			if color[next] == gray {
				cycle = []int{next}
				for current := node; current != next; current = parent[current] {
					cycle = append(cycle, current)
				}
				cycle = append(cycle, next)
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			}
			if color[next] == white {
				parent[next] = node
				if dfs(next) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range unplaced {
		if color[n] == white && dfs(n) {
			names := make([]string, len(cycle))
			for i, c := range cycle {
				names[i] = g.Names[c]
			}
			return names
		}
	}
	return []string{"(cycle detected)"}
}

// Validate checks the model invariants and rejects cyclic dependencies.
func Validate(phases []model.Phase) error {
	errs := &model.ValidationErrors{}
	model.ValidatePhases(phases, errs)
	if errs.HasErrors() {
		return errs
	}
	g := Derive(phases)
	if _, unplaced := g.Layers(); len(unplaced) > 0 {
		errs.Add("phases", "circular dependency detected: "+strings.Join(g.CyclePath(unplaced), " -> "))
		return errs
	}
	return nil
}

// ValidateDocument runs Document.Validate plus the cycle check.
func ValidateDocument(doc model.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return Validate(doc.Phases)
}

func sortedUnique(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	sort.Ints(in)
	out := in[:1]
	for _, n := range in[1:] {
		if n != out[len(out)-1] {
			out = append(out, n)
		}
	}
	return out
}
