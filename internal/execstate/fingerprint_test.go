package execstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cascadeview/internal/model"
)

func chain() []model.Phase {
	return []model.Phase{
		{Name: "A", Tool: model.ToolSQLData, Inputs: &model.CellInputs{Query: "SELECT 1"}},
		{Name: "B", Tool: model.ToolPythonData, Inputs: &model.CellInputs{Code: "df = {{outputs.A}}"}},
		{Name: "C", Instructions: "summarize {{ outputs.B }}", Model: "m"},
		{Name: "D", Instructions: "standalone", Model: "m"},
	}
}

func TestFingerprints_Stable(t *testing.T) {
	first := Fingerprints(chain(), map[string]any{"region": "eu", "limit": 10})
	second := Fingerprints(chain(), map[string]any{"limit": 10, "region": "eu"})
	assert.Equal(t, first, second)
	require.Len(t, first, 4)
	for name, fp := range first {
		assert.Len(t, fp, 16, "fingerprint of %s", name)
	}
}

func TestFingerprints_UpstreamChangePropagatesTransitively(t *testing.T) {
	before := Fingerprints(chain(), nil)

	edited := chain()
	edited[0].Inputs.Query = "SELECT 2"
	after := Fingerprints(edited, nil)

	assert.NotEqual(t, before["A"], after["A"])
	assert.NotEqual(t, before["B"], after["B"])
	assert.NotEqual(t, before["C"], after["C"], "two levels down must change too")
	assert.Equal(t, before["D"], after["D"])
}

func TestFingerprints_CascadeInputsAndModel(t *testing.T) {
	base := Fingerprint(chain(), map[string]any{"topic": "x"}, "D")
	assert.NotEqual(t, base, Fingerprint(chain(), map[string]any{"topic": "y"}, "D"))

	changed := chain()
	changed[3].Model = "other"
	assert.NotEqual(t, base, Fingerprint(changed, map[string]any{"topic": "x"}, "D"))

	assert.Empty(t, Fingerprint(chain(), nil, "missing"))
}

func TestFingerprints_IgnoresName(t *testing.T) {
	renamed := chain()
	renamed[3].Name = "E"
	assert.Equal(t, Fingerprint(chain(), nil, "D"), Fingerprint(renamed, nil, "E"))
}

func TestFingerprints_CycleTerminates(t *testing.T) {
	phases := []model.Phase{
		{Name: "A", Instructions: "{{ outputs.B }}"},
		{Name: "B", Instructions: "{{ outputs.A }}"},
	}
	fps := Fingerprints(phases, nil)
	assert.Len(t, fps, 2)
}
