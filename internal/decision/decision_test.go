package decision

import (
	"testing"
	"time"

	"github.com/aristath/refineloop/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestScorekeeper_FirstCandidateAlwaysAccepted(t *testing.T) {
	sk := NewScorekeeper(0)
	d, r := sk.Evaluate(0, 0.10)
	assert.Equal(t, domain.DecisionAccepted, d)
	assert.Equal(t, domain.ReasonImproved, r)
}

func TestScorekeeper_AcceptsOnImprovementBeyondEpsilon(t *testing.T) {
	sk := NewScorekeeper(0.01)
	sk.Evaluate(0, 0.80)
	d, r := sk.Evaluate(1, 0.82)
	assert.Equal(t, domain.DecisionAccepted, d)
	assert.Equal(t, domain.ReasonImproved, r)
}

func TestScorekeeper_RejectsRegression(t *testing.T) {
	sk := NewScorekeeper(0.01)
	sk.Evaluate(0, 0.80)
	d, r := sk.Evaluate(1, 0.60)
	assert.Equal(t, domain.DecisionRejected, d)
	assert.Equal(t, domain.ReasonRegression, r)
	best, idx, ok := sk.Best()
	assert.True(t, ok)
	assert.Equal(t, 0.80, best)
	assert.Equal(t, 0, idx)
}

func TestScorekeeper_RejectsNoImprovementWithinEpsilon(t *testing.T) {
	sk := NewScorekeeper(0.01)
	sk.Evaluate(0, 0.80)
	d, r := sk.Evaluate(1, 0.805)
	assert.Equal(t, domain.DecisionRejected, d)
	assert.Equal(t, domain.ReasonNoImprovement, r)
}

func TestStopController_MaxIterations(t *testing.T) {
	d := Evaluate(StopInput{Iteration: 0, MaxIterations: 1})
	assert.True(t, d.Stop)
	assert.Equal(t, domain.StopMaxIterations, d.Reason)
}

func TestStopController_RegressionLimit(t *testing.T) {
	d := Evaluate(StopInput{Iteration: 3, MaxIterations: 10, ConsecutiveRejections: 3})
	assert.True(t, d.Stop)
	assert.Equal(t, domain.StopRegressionLimit, d.Reason)
}

func TestStopController_Plateau(t *testing.T) {
	d := Evaluate(StopInput{
		Iteration:            3,
		MaxIterations:        10,
		AcceptedScoreHistory: []float64{0.80, 0.805, 0.806, 0.807},
		PlateauWindow:        3,
		PlateauThreshold:     0.01,
	})
	assert.True(t, d.Stop)
	assert.Equal(t, domain.StopPlateau, d.Reason)
}

func TestStopController_TimeBudget(t *testing.T) {
	d := Evaluate(StopInput{
		Iteration:     1,
		MaxIterations: 10,
		StartTime:     time.Now().Add(-20 * time.Minute),
		TimeBudget:    15 * time.Minute,
	})
	assert.True(t, d.Stop)
	assert.Equal(t, domain.StopTimeBudget, d.Reason)
}

func TestStopController_NoStopWhenNothingMatches(t *testing.T) {
	d := Evaluate(StopInput{Iteration: 1, MaxIterations: 10, StartTime: time.Now()})
	assert.False(t, d.Stop)
}

func criticalNode(id string) domain.IRNode {
	return domain.IRNode{
		NodeID:          id,
		MatchImportance: domain.ImportanceCritical,
		LayoutTargets:   &domain.LayoutTargets{BBox: &domain.BBox{W: 10, H: 10}},
		StyleTargets:    domain.StyleTargets{"color": "rgb(0,0,0)"},
	}
}

func TestLockManager_LocksCriticalNodeWhenScoresCloseEnough(t *testing.T) {
	lm := NewLockManager(0.15, 0.15)
	lm.Update(0.90, 0.90, []domain.IRNode{criticalNode("n1")})
	assert.True(t, lm.IsLocked("n1"))
}

func TestLockManager_DoesNotLockWhenScoresTooLow(t *testing.T) {
	lm := NewLockManager(0.15, 0.15)
	lm.Update(0.5, 0.5, []domain.IRNode{criticalNode("n1")})
	assert.False(t, lm.IsLocked("n1"))
}

func TestLockManager_NeverUnlocks(t *testing.T) {
	lm := NewLockManager(0.15, 0.15)
	lm.Update(0.95, 0.95, []domain.IRNode{criticalNode("n1")})
	assert.True(t, lm.IsLocked("n1"))
	lm.Update(0.2, 0.2, []domain.IRNode{criticalNode("n1")})
	assert.True(t, lm.IsLocked("n1"))
}

func TestLockManager_IgnoresNonCriticalOrIncompleteNodes(t *testing.T) {
	lm := NewLockManager(0.15, 0.15)
	normal := criticalNode("n2")
	normal.MatchImportance = domain.ImportanceNormal
	noBBox := domain.IRNode{NodeID: "n3", MatchImportance: domain.ImportanceCritical, StyleTargets: domain.StyleTargets{"color": "x"}}
	lm.Update(0.95, 0.95, []domain.IRNode{normal, noBBox})
	assert.False(t, lm.IsLocked("n2"))
	assert.False(t, lm.IsLocked("n3"))
}

func TestPatchPlanner_PicksHighestWeightedErrorDimension(t *testing.T) {
	lm := NewLockManager(0.15, 0.15)
	nodes := []domain.IRNode{criticalNode("n1"), criticalNode("n2")}
	plan := Plan(domain.ScoreVector{Layout: 0.5, Style: 0.95, A11y: 0.95, Perceptual: 0.95}, nodes, lm)
	assert.Equal(t, domain.FocusLayout, plan.FocusArea)
	assert.LessOrEqual(t, len(plan.TopTargets), DefaultTopTargetCount)
}

func TestPatchPlanner_ExcludesLockedNodes(t *testing.T) {
	lm := NewLockManager(0.15, 0.15)
	lm.Update(0.95, 0.95, []domain.IRNode{criticalNode("n1")})
	nodes := []domain.IRNode{criticalNode("n1"), criticalNode("n2")}
	plan := Plan(domain.ScoreVector{Layout: 0.5, Style: 0.9, A11y: 0.9, Perceptual: 0.9}, nodes, lm)
	for _, targetID := range plan.TopTargets {
		assert.NotEqual(t, "n1", targetID)
	}
	assert.Contains(t, plan.TopTargets, "n2")
}

func TestPatchPlanner_DefaultBudgetsAndDisallowedChanges(t *testing.T) {
	lm := NewLockManager(0.15, 0.15)
	plan := Plan(domain.ScoreVector{Layout: 0.5, Style: 0.9, A11y: 0.9, Perceptual: 0.9}, nil, lm)
	assert.Equal(t, DefaultMaxFilesChanged, plan.Budgets.MaxFilesChanged)
	assert.Equal(t, DefaultMaxLinesChanged, plan.Budgets.MaxLinesChanged)
	assert.Equal(t, DefaultMaxStructureChanges, plan.Budgets.MaxStructureChanges)
	assert.Equal(t, DefaultDisallowedChanges, plan.DisallowedChanges)
}
