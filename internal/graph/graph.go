// Package graph derives the phase dependency graph of a cascade from explicit
// handoffs and from template references between phases.
package graph

import (
	"regexp"
	"sort"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/cascadeview/internal/model"
)

// EdgeKind orders by priority: data > selective > execution.
type EdgeKind int

const (
	EdgeExecution EdgeKind = iota + 1
	EdgeSelective
	EdgeData
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeData:
		return "data"
	case EdgeSelective:
		return "selective"
	case EdgeExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// Edge points from the source phase index to the dependent phase index.
type Edge struct {
	From int
	To   int
	Kind EdgeKind
}

// Graph is recomputed from the phase list on every read and never stored
// back into the document.
type Graph struct {
	Names     []string
	Edges     []Edge
	InDegree  []int
	OutDegree []int

	forward  [][]int
	backward [][]int
}

var (
	outputsRef = regexp.MustCompile(`outputs\.([A-Za-z0-9_\-]+)`)
	inputRef   = regexp.MustCompile(`input\.([A-Za-z0-9_\-]+)`)
)

// Derive builds the graph. It is pure: the phases are not modified.
func Derive(phases []model.Phase) *Graph {
	index := make(map[string]int, len(phases))
	for i, p := range phases {
		if _, dup := index[p.Name]; !dup {
			index[p.Name] = i
		}
	}

	type pair struct{ from, to int }
	kinds := make(map[pair]EdgeKind)
	add := func(from, to int, kind EdgeKind) {
		if from == to {
			return
		}
		key := pair{from, to}
		if kinds[key] < kind {
			kinds[key] = kind
		}
	}

	for to, p := range phases {
		content := scanContent(p)
		for _, re := range []*regexp.Regexp{outputsRef, inputRef} {
			for _, m := range re.FindAllStringSubmatch(content, -1) {
				if from, ok := index[m[1]]; ok {
					add(from, to, EdgeData)
				}
			}
		}
		if p.Context != nil {
			for _, name := range p.Context.From {
				if name == model.ContextFromAll {
					for from := 0; from < to; from++ {
						add(from, to, EdgeSelective)
					}
					continue
				}
				if from, ok := index[name]; ok {
					add(from, to, EdgeSelective)
				}
			}
		}
		for _, h := range p.Handoffs {
			if target, ok := index[h]; ok {
				add(to, target, EdgeExecution)
			}
		}
	}

	g := &Graph{
		Names:     model.PhaseNames(phases),
		InDegree:  make([]int, len(phases)),
		OutDegree: make([]int, len(phases)),
		forward:   make([][]int, len(phases)),
		backward:  make([][]int, len(phases)),
	}
	for key, kind := range kinds {
		g.Edges = append(g.Edges, Edge{From: key.from, To: key.to, Kind: kind})
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})
	for _, e := range g.Edges {
		g.OutDegree[e.From]++
		g.InDegree[e.To]++
		g.forward[e.From] = append(g.forward[e.From], e.To)
		g.backward[e.To] = append(g.backward[e.To], e.From)
	}
	return g
}

// scanContent serializes the phase without its name and handoffs, so that a
// phase name alone never produces a reference.
func scanContent(p model.Phase) string {
	p.Name = ""
	p.Handoffs = nil
	out, err := yamlv3.Marshal(p)
	if err != nil {
		return p.Source()
	}
	return string(out)
}

func (g *Graph) Len() int {
	return len(g.Names)
}

// Index returns the position of a phase name or -1.
func (g *Graph) Index(name string) int {
	for i, n := range g.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// EdgeBetween returns the edge from → to if one exists.
func (g *Graph) EdgeBetween(from, to int) (Edge, bool) {
	for _, e := range g.Edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// Upstream returns the direct sources of phase i in ascending order.
func (g *Graph) Upstream(i int) []int {
	if i < 0 || i >= len(g.backward) {
		return nil
	}
	out := make([]int, len(g.backward[i]))
	copy(out, g.backward[i])
	sort.Ints(out)
	return out
}

// InputSources names the phases whose outputs phase name reads, through data
// or selective edges, sorted by name. Handoff-only edges order execution but
// feed no input, so they are left out.
func (g *Graph) InputSources(name string) []string {
	to := g.Index(name)
	if to < 0 {
		return nil
	}
	var out []string
	for _, from := range g.Upstream(to) {
		if e, ok := g.EdgeBetween(from, to); ok && e.Kind != EdgeExecution {
			out = append(out, g.Names[from])
		}
	}
	sort.Strings(out)
	return out
}

// Downstream returns every phase transitively reachable from phase i,
// excluding i itself, in ascending order.
func (g *Graph) Downstream(i int) []int {
	if i < 0 || i >= len(g.forward) {
		return nil
	}
	seen := make([]bool, len(g.forward))
	stack := append([]int(nil), g.forward[i]...)
	var out []int
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] || n == i {
			continue
		}
		seen[n] = true
		out = append(out, n)
		stack = append(stack, g.forward[n]...)
	}
	sort.Ints(out)
	return out
}

// DownstreamNames is Downstream keyed by phase name.
func (g *Graph) DownstreamNames(name string) []string {
	idx := g.Downstream(g.Index(name))
	names := make([]string, len(idx))
	for i, n := range idx {
		names[i] = g.Names[n]
	}
	return names
}
