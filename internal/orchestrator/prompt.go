package orchestrator

import (
	"fmt"
	"strings"

	"github.com/aristath/refineloop/internal/domain"
)

// BuildPrompt assembles the code-gen prompt from the pack's IR, the
// previous iteration's score, the current patch plan, and the last
// overflow report. The existing workspace and previous code are
// supplied to the provider out-of-band (it reads the workspace
// directory itself); this builds only the structured text portion of
// the request.
func BuildPrompt(pack domain.DesignPack, target domain.Target, prevScore *domain.ScoreVector, plan *domain.PatchPlan, overflow *domain.OverflowReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Target: %s (route %s)\n\n", target.TargetID, target.Route)
	b.WriteString("Design IR summary:\n")
	b.WriteString(IRSummary(pack.IR, target.TargetID))
	b.WriteString("\n\n")

	if prevScore != nil {
		fmt.Fprintf(&b, "Previous score: layout=%.2f style=%.2f a11y=%.2f perceptual=%.2f overall=%.2f\n\n",
			prevScore.Layout, prevScore.Style, prevScore.A11y, prevScore.Perceptual, prevScore.Weighted())
	}

	if plan != nil {
		fmt.Fprintf(&b, "Focus area: %s\n", plan.FocusArea)
		fmt.Fprintf(&b, "Top targets: %s\n", strings.Join(plan.TopTargets, ", "))
		fmt.Fprintf(&b, "Budgets: max %d files, %d lines, %d structure changes\n",
			plan.Budgets.MaxFilesChanged, plan.Budgets.MaxLinesChanged, plan.Budgets.MaxStructureChanges)
		fmt.Fprintf(&b, "Disallowed changes: %s\n", strings.Join(plan.DisallowedChanges, ", "))
		if len(plan.LockedNodeIDs) > 0 {
			fmt.Fprintf(&b, "Locked nodes (do not modify): %s\n", strings.Join(plan.LockedNodeIDs, ", "))
		}
		b.WriteString("\n")
	}

	if overflow != nil && len(overflow.Offenders) > 0 {
		b.WriteString("Overflow offenders from the last render:\n")
		for _, o := range overflow.Offenders {
			fmt.Fprintf(&b, "- %s (%s): overflow %.0fpx", o.Selector, o.Tag, o.OverflowPixels)
			if o.FigmaNodeID != "" {
				fmt.Fprintf(&b, " [node %s]", o.FigmaNodeID)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// IRSummary renders a target's IR nodes as compact text for the code-gen
// and scoring providers.
func IRSummary(ir domain.DesignIR, targetID string) string {
	var b strings.Builder
	for _, t := range ir.Targets {
		if t.TargetID != targetID {
			continue
		}
		for _, n := range t.Nodes {
			fmt.Fprintf(&b, "- %s (%s, importance=%s)", n.NodeID, n.Name, n.MatchImportance)
			if n.LayoutTargets != nil && n.LayoutTargets.BBox != nil {
				bb := n.LayoutTargets.BBox
				fmt.Fprintf(&b, " bbox=(%.0f,%.0f,%.0f,%.0f)", bb.X, bb.Y, bb.W, bb.H)
			}
			if len(n.StyleTargets) > 0 {
				fmt.Fprintf(&b, " styles=%d", len(n.StyleTargets))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
