package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/refineloop/internal/domain"
)

func TestFindTarget_FindsByID(t *testing.T) {
	m := domain.Manifest{Targets: []domain.Target{{TargetID: "home", Route: "/"}, {TargetID: "about", Route: "/about"}}}
	target, ok := findTarget(m, "about")
	require.True(t, ok)
	assert.Equal(t, "/about", target.Route)
}

func TestFindTarget_UnknownReturnsFalse(t *testing.T) {
	_, ok := findTarget(domain.Manifest{}, "missing")
	assert.False(t, ok)
}

func TestFindIRNodes_ScopesToTarget(t *testing.T) {
	ir := domain.DesignIR{Targets: []domain.IRTarget{
		{TargetID: "home", Nodes: []domain.IRNode{{NodeID: "n1"}}},
		{TargetID: "about", Nodes: []domain.IRNode{{NodeID: "n2"}, {NodeID: "n3"}}},
	}}
	nodes := findIRNodes(ir, "about")
	require.Len(t, nodes, 2)
	assert.Equal(t, "n2", nodes[0].NodeID)
}

func TestPrimaryBreakpoint_FirstOfManifest(t *testing.T) {
	bps := []domain.Breakpoint{{BreakpointID: "desktop"}, {BreakpointID: "mobile"}}
	bp, ok := primaryBreakpoint(bps)
	require.True(t, ok)
	assert.Equal(t, "desktop", bp.BreakpointID)
}

func TestPrimaryBreakpoint_EmptyIsFalse(t *testing.T) {
	_, ok := primaryBreakpoint(nil)
	assert.False(t, ok)
}

func TestRound2_RoundsToTwoDecimals(t *testing.T) {
	assert.Equal(t, 0.83, round2(0.8251))
	assert.Equal(t, 0.82, round2(0.8249))
}

func TestWriteFiles_WritesUnderWorkspaceAtomically(t *testing.T) {
	dir := t.TempDir()
	files := []domain.GeneratedFile{
		{RelativePath: "src/App.tsx", Contents: "export default App"},
		{RelativePath: "src/components/Card.tsx", Contents: "export const Card = () => null"},
	}
	require.NoError(t, writeFiles(dir, files))

	data, err := os.ReadFile(filepath.Join(dir, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "export default App", string(data))

	_, err = os.Stat(filepath.Join(dir, "src", "App.tsx.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestIRSummary_RendersOnlyRequestedTarget(t *testing.T) {
	ir := domain.DesignIR{Targets: []domain.IRTarget{
		{TargetID: "home", Nodes: []domain.IRNode{{NodeID: "n1", Name: "Hero", MatchImportance: domain.ImportanceCritical}}},
		{TargetID: "about", Nodes: []domain.IRNode{{NodeID: "n2", Name: "Bio"}}},
	}}
	summary := IRSummary(ir, "home")
	assert.Contains(t, summary, "n1")
	assert.Contains(t, summary, "Hero")
	assert.NotContains(t, summary, "n2")
}

func TestBuildPrompt_IncludesPlanAndOverflow(t *testing.T) {
	pack := domain.DesignPack{IR: domain.DesignIR{Targets: []domain.IRTarget{
		{TargetID: "home", Nodes: []domain.IRNode{{NodeID: "n1", Name: "Hero"}}},
	}}}
	target := domain.Target{TargetID: "home", Route: "/"}
	score := domain.ScoreVector{Layout: 0.5, Style: 0.6, A11y: 0.7, Perceptual: 0.8}
	plan := &domain.PatchPlan{
		FocusArea:         domain.FocusLayout,
		TopTargets:        []string{"n1"},
		DisallowedChanges: []string{"routing"},
	}
	overflow := &domain.OverflowReport{Offenders: []domain.OverflowOffender{
		{Selector: "div.card", Tag: "div", OverflowPixels: 40, FigmaNodeID: "123:45"},
	}}

	prompt := BuildPrompt(pack, target, &score, plan, overflow)
	assert.Contains(t, prompt, "Focus area: layout")
	assert.Contains(t, prompt, "div.card")
	assert.Contains(t, prompt, "123:45")
	assert.Contains(t, prompt, "Previous score")
}
