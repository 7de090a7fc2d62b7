package decision

import (
	"sort"

	"github.com/aristath/refineloop/internal/domain"
)

// DefaultTopTargetCount, DefaultMaxFilesChanged, DefaultMaxLinesChanged,
// and DefaultMaxStructureChanges are the planner's default budgets.
const (
	DefaultTopTargetCount      = 3
	DefaultMaxFilesChanged     = 2
	DefaultMaxLinesChanged     = 80
	DefaultMaxStructureChanges = 1
)

// DefaultDisallowedChanges is the default configured list.
var DefaultDisallowedChanges = []string{"routing", "dependencies", "global styles"}

var dimensionWeight = map[domain.FocusArea]float64{
	domain.FocusLayout:     0.3,
	domain.FocusStyle:      0.3,
	domain.FocusA11y:       0.2,
	domain.FocusPerceptual: 0.2,
}

var importanceWeight = map[domain.MatchImportance]float64{
	domain.ImportanceCritical: 1.0,
	domain.ImportanceNormal:   0.6,
	domain.ImportanceLow:      0.3,
}

// pickFocusArea picks the dimension with the highest weighted error,
// weight[dim] * (1 - score[dim]).
func pickFocusArea(score domain.ScoreVector) domain.FocusArea {
	errs := map[domain.FocusArea]float64{
		domain.FocusLayout:     dimensionWeight[domain.FocusLayout] * (1 - score.Layout),
		domain.FocusStyle:      dimensionWeight[domain.FocusStyle] * (1 - score.Style),
		domain.FocusA11y:       dimensionWeight[domain.FocusA11y] * (1 - score.A11y),
		domain.FocusPerceptual: dimensionWeight[domain.FocusPerceptual] * (1 - score.Perceptual),
	}
	best := domain.FocusLayout
	bestVal := -1.0
	// Iterate in a fixed order so ties resolve deterministically.
	for _, dim := range []domain.FocusArea{domain.FocusLayout, domain.FocusStyle, domain.FocusA11y, domain.FocusPerceptual} {
		if errs[dim] > bestVal {
			bestVal = errs[dim]
			best = dim
		}
	}
	return best
}

func relevance(focus domain.FocusArea, n domain.IRNode) float64 {
	switch focus {
	case domain.FocusLayout:
		if n.LayoutTargets != nil && n.LayoutTargets.BBox != nil {
			return 1.0
		}
		return 0.3
	case domain.FocusStyle:
		count := len(n.StyleTargets)
		if count > 4 {
			count = 4
		}
		return float64(count) / 4.0
	case domain.FocusA11y:
		if n.A11yTargets != nil {
			return 1.0
		}
		return 0.2
	case domain.FocusPerceptual:
		if n.MatchImportance == domain.ImportanceCritical {
			return 1.0
		}
		return 0.5
	default:
		return 0
	}
}

// Plan builds the PatchPlan for the iteration after the first, given
// the previous iteration's score vector, the IR nodes for the active
// target, and the current lock set.
func Plan(prevScore domain.ScoreVector, nodes []domain.IRNode, locked *LockManager) domain.PatchPlan {
	focus := pickFocusArea(prevScore)

	type scored struct {
		nodeID   string
		severity float64
	}
	var candidates []scored
	for _, n := range nodes {
		if locked.IsLocked(n.NodeID) {
			continue
		}
		sev := importanceWeight[n.MatchImportance] * relevance(focus, n)
		candidates = append(candidates, scored{n.NodeID, sev})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].severity > candidates[j].severity
	})

	k := DefaultTopTargetCount
	if len(candidates) < k {
		k = len(candidates)
	}
	top := make([]string, 0, k)
	for i := 0; i < k; i++ {
		top = append(top, candidates[i].nodeID)
	}

	return domain.PatchPlan{
		FocusArea:  focus,
		TopTargets: top,
		Budgets: domain.PatchBudgets{
			MaxFilesChanged:     DefaultMaxFilesChanged,
			MaxLinesChanged:     DefaultMaxLinesChanged,
			MaxStructureChanges: DefaultMaxStructureChanges,
		},
		DisallowedChanges: append([]string(nil), DefaultDisallowedChanges...),
		LockedNodeIDs:     locked.Snapshot(),
	}
}
