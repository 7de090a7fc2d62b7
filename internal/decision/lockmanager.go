package decision

import "github.com/aristath/refineloop/internal/domain"

// DefaultLayoutThreshold and DefaultStyleThreshold are the "close
// enough to freeze" error thresholds. The thresholds are expressed as
// "1 - score <= threshold", derived from a bounding-box pixel tolerance
// (bboxLockThresholdPx / 40); the derivation is recorded once here
// rather than re-derived per call. See DESIGN.md "Open Question
// decisions".
const (
	DefaultLayoutThreshold = 0.15
	DefaultStyleThreshold  = 0.15
)

// LockManager tracks the monotonically growing set of frozen node ids.
type LockManager struct {
	LayoutThreshold float64
	StyleThreshold  float64
	locked          map[string]struct{}
}

// NewLockManager builds an empty lock manager.
func NewLockManager(layoutThreshold, styleThreshold float64) *LockManager {
	if layoutThreshold <= 0 {
		layoutThreshold = DefaultLayoutThreshold
	}
	if styleThreshold <= 0 {
		styleThreshold = DefaultStyleThreshold
	}
	return &LockManager{
		LayoutThreshold: layoutThreshold,
		StyleThreshold:  styleThreshold,
		locked:          make(map[string]struct{}),
	}
}

// Update locks any node whose match is close enough and critical, given
// the aggregate layout/style scores for the iteration just scored. Once
// locked, a node id is never removed.
func (m *LockManager) Update(layoutScore, styleScore float64, nodes []domain.IRNode) {
	if 1-layoutScore > m.LayoutThreshold || 1-styleScore > m.StyleThreshold {
		return
	}
	for _, n := range nodes {
		if n.MatchImportance != domain.ImportanceCritical {
			continue
		}
		if n.LayoutTargets == nil || n.LayoutTargets.BBox == nil {
			continue
		}
		if len(n.StyleTargets) == 0 {
			continue
		}
		m.locked[n.NodeID] = struct{}{}
	}
}

// IsLocked reports whether a node id has been frozen.
func (m *LockManager) IsLocked(nodeID string) bool {
	_, ok := m.locked[nodeID]
	return ok
}

// Snapshot returns the current lock set as a slice, safe for a caller
// to retain independently of future Update calls.
func (m *LockManager) Snapshot() []string {
	out := make([]string, 0, len(m.locked))
	for id := range m.locked {
		out = append(out, id)
	}
	return out
}
