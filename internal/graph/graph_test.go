package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/msageha/cascadeview/internal/model"
)

func sqlPhase(name, query string, handoffs ...string) model.Phase {
	return model.Phase{Name: name, Tool: model.ToolSQLData, Inputs: &model.CellInputs{Query: query}, Handoffs: handoffs}
}

func llmPhase(name, instructions string, handoffs ...string) model.Phase {
	return model.Phase{Name: name, Instructions: instructions, Model: "gpt", Handoffs: handoffs}
}

func TestDerive_DataEdgeFromOutputsReference(t *testing.T) {
	phases := []model.Phase{
		sqlPhase("A", "SELECT 1 AS x"),
		{Name: "B", Tool: model.ToolPythonData, Inputs: &model.CellInputs{Code: "df = {{outputs.A}}"}},
	}
	g := Derive(phases)

	want := []Edge{{From: 0, To: 1, Kind: EdgeData}}
	if !reflect.DeepEqual(g.Edges, want) {
		t.Fatalf("edges = %+v, want %+v", g.Edges, want)
	}
	if g.InDegree[1] != 1 || g.OutDegree[0] != 1 {
		t.Errorf("unexpected degrees in=%v out=%v", g.InDegree, g.OutDegree)
	}
}

func TestDerive_InputReferenceToPhase(t *testing.T) {
	phases := []model.Phase{
		llmPhase("draft", "write something"),
		llmPhase("review", "review {{ input.draft }}"),
	}
	g := Derive(phases)
	if e, ok := g.EdgeBetween(0, 1); !ok || e.Kind != EdgeData {
		t.Fatalf("expected data edge draft->review, got %+v ok=%v", e, ok)
	}
}

func TestDerive_ReferenceToUnknownNameIgnored(t *testing.T) {
	phases := []model.Phase{
		llmPhase("A", "use {{ outputs.missing }} and {{ input.topic }}"),
	}
	g := Derive(phases)
	if len(g.Edges) != 0 {
		t.Fatalf("expected no edges, got %+v", g.Edges)
	}
}

func TestDerive_DataBeatsSelectiveAndExecution(t *testing.T) {
	b := llmPhase("B", "summarize {{ outputs.A }}")
	b.Context = &model.ContextConfig{From: []string{"A"}}
	phases := []model.Phase{
		llmPhase("A", "research", "B"),
		b,
	}
	g := Derive(phases)
	if len(g.Edges) != 1 {
		t.Fatalf("expected duplicates collapsed to one edge, got %+v", g.Edges)
	}
	if g.Edges[0].Kind != EdgeData {
		t.Errorf("kind = %v, want data", g.Edges[0].Kind)
	}
}

func TestDerive_SelectiveBeatsExecution(t *testing.T) {
	b := llmPhase("B", "no template here")
	b.Context = &model.ContextConfig{From: []string{"A"}}
	phases := []model.Phase{llmPhase("A", "first", "B"), b}

	g := Derive(phases)
	if len(g.Edges) != 1 || g.Edges[0].Kind != EdgeSelective {
		t.Fatalf("expected single selective edge, got %+v", g.Edges)
	}
}

func TestDerive_ContextFromAllMeansEarlierPhases(t *testing.T) {
	c := llmPhase("C", "wrap up")
	c.Context = &model.ContextConfig{From: []string{"all"}}
	phases := []model.Phase{llmPhase("A", "a"), llmPhase("B", "b"), c, llmPhase("D", "d")}

	g := Derive(phases)
	want := []Edge{
		{From: 0, To: 2, Kind: EdgeSelective},
		{From: 1, To: 2, Kind: EdgeSelective},
	}
	if !reflect.DeepEqual(g.Edges, want) {
		t.Fatalf("edges = %+v, want %+v", g.Edges, want)
	}
}

func TestDerive_ExecutionEdgeFromHandoffs(t *testing.T) {
	phases := []model.Phase{
		llmPhase("A", "a", "C"),
		llmPhase("B", "b"),
		llmPhase("C", "c"),
	}
	g := Derive(phases)
	want := []Edge{{From: 0, To: 2, Kind: EdgeExecution}}
	if !reflect.DeepEqual(g.Edges, want) {
		t.Fatalf("edges = %+v, want %+v", g.Edges, want)
	}
}

func TestDerive_SelfReferenceDiscarded(t *testing.T) {
	a := llmPhase("A", "loop over {{ outputs.A }}", "A")
	a.Context = &model.ContextConfig{From: []string{"A"}}
	g := Derive([]model.Phase{a})
	if len(g.Edges) != 0 {
		t.Fatalf("expected no edges, got %+v", g.Edges)
	}
}

func TestDerive_NameAloneIsNotReference(t *testing.T) {
	// "outputs.A" appears only in the phase name, which is not scanned
	phases := []model.Phase{llmPhase("A", "x"), llmPhase("outputs.A", "y")}
	g := Derive(phases)
	if len(g.Edges) != 0 {
		t.Fatalf("expected no edges, got %+v", g.Edges)
	}
}

func TestDerive_DoesNotMutateInput(t *testing.T) {
	phases := []model.Phase{llmPhase("A", "x", "B"), llmPhase("B", "{{ outputs.A }}")}
	before := model.ClonePhases(phases)
	Derive(phases)
	if !reflect.DeepEqual(before, phases) {
		t.Fatal("Derive modified its input")
	}
}

func TestLayers_Diamond(t *testing.T) {
	phases := []model.Phase{
		llmPhase("A", "root"),
		llmPhase("B", "{{ outputs.A }}"),
		llmPhase("C", "{{ outputs.A }}"),
		llmPhase("D", "{{ outputs.B }} {{ outputs.C }}"),
	}
	layers, unplaced := Derive(phases).Layers()
	if len(unplaced) != 0 {
		t.Fatalf("unexpected unplaced %v", unplaced)
	}
	want := [][]int{{0}, {1, 2}, {3}}
	if !reflect.DeepEqual(layers, want) {
		t.Fatalf("layers = %v, want %v", layers, want)
	}
}

func TestLayers_CycleLeavesPhasesUnplaced(t *testing.T) {
	phases := []model.Phase{
		llmPhase("start", "begin"),
		llmPhase("A", "{{ outputs.B }}"),
		llmPhase("B", "{{ outputs.A }}"),
	}
	g := Derive(phases)
	layers, unplaced := g.Layers()
	if !reflect.DeepEqual(layers, [][]int{{0}}) {
		t.Errorf("layers = %v", layers)
	}
	if !reflect.DeepEqual(unplaced, []int{1, 2}) {
		t.Fatalf("unplaced = %v, want [1 2]", unplaced)
	}

	_, err := g.TopoOrder()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "A -> B -> A") {
		t.Errorf("expected cycle path in error, got %v", err)
	}
}

func TestTopoOrder_Linear(t *testing.T) {
	phases := []model.Phase{
		llmPhase("C", "{{ outputs.B }}"),
		llmPhase("B", "{{ outputs.A }}"),
		llmPhase("A", "root"),
	}
	order, err := Derive(phases).TopoOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"A", "B", "C"}) {
		t.Errorf("order = %v", order)
	}
}

func TestDownstream_Transitive(t *testing.T) {
	phases := []model.Phase{
		sqlPhase("A", "SELECT 1"),
		llmPhase("B", "{{ outputs.A }}"),
		llmPhase("C", "{{ outputs.B }}"),
		llmPhase("D", "unrelated"),
	}
	g := Derive(phases)
	if got := g.DownstreamNames("A"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("downstream(A) = %v", got)
	}
	if got := g.DownstreamNames("C"); len(got) != 0 {
		t.Errorf("downstream(C) = %v", got)
	}
	if got := g.DownstreamNames("nope"); len(got) != 0 {
		t.Errorf("downstream(nope) = %v", got)
	}
	if got := g.Upstream(2); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("upstream(C) = %v", got)
	}
}

func TestInputSources(t *testing.T) {
	phases := []model.Phase{
		sqlPhase("load", "SELECT 1", "report"),
		llmPhase("notes", "free text"),
		{Name: "report", Instructions: "{{ outputs.notes }}", Context: &model.ContextConfig{From: []string{model.ContextFromAll}}},
		llmPhase("after", "unrelated"),
	}
	g := Derive(phases)
	if got := g.InputSources("report"); !reflect.DeepEqual(got, []string{"load", "notes"}) {
		t.Errorf("InputSources(report) = %v", got)
	}
	if got := g.InputSources("after"); len(got) != 0 {
		t.Errorf("InputSources(after) = %v", got)
	}

	// a handoff alone feeds no input
	g = Derive([]model.Phase{sqlPhase("a", "SELECT 1", "b"), llmPhase("b", "plain")})
	if got := g.InputSources("b"); len(got) != 0 {
		t.Errorf("InputSources(b) = %v, handoff should not count", got)
	}
	if got := g.InputSources("missing"); got != nil {
		t.Errorf("InputSources(missing) = %v", got)
	}
}

func TestDownstream_CycleTerminates(t *testing.T) {
	phases := []model.Phase{
		llmPhase("A", "{{ outputs.B }}"),
		llmPhase("B", "{{ outputs.A }}"),
	}
	if got := Derive(phases).DownstreamNames("A"); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("downstream(A) = %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		phases  []model.Phase
		wantErr string
	}{
		{"ok", []model.Phase{sqlPhase("A", "SELECT 1", "B"), llmPhase("B", "{{ outputs.A }}")}, ""},
		{"dangling handoff", []model.Phase{sqlPhase("A", "SELECT 1", "Z")}, "unknown phase"},
		{"duplicate", []model.Phase{sqlPhase("A", "x"), sqlPhase("A", "y")}, "duplicate phase name"},
		{"cycle", []model.Phase{llmPhase("A", "x", "B"), llmPhase("B", "y", "A")}, "circular dependency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.phases)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verrs *model.ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEdgeKindString(t *testing.T) {
	if EdgeData.String() != "data" || EdgeSelective.String() != "selective" || EdgeExecution.String() != "execution" {
		t.Error("unexpected edge kind names")
	}
	if EdgeKind(0).String() != "unknown" {
		t.Error("zero kind should be unknown")
	}
}
