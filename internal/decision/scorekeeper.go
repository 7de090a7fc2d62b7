// Package decision implements the four small decision-logic
// components that drive one iteration's accept/reject call: Scorekeeper,
// Stop Controller, Lock Manager, and Patch Planner. Each is a pure
// function of its inputs except for the internal state it explicitly
// accumulates across calls.
package decision

import (
	"math"
	"time"

	"github.com/aristath/refineloop/internal/domain"
)

// DefaultEpsilon is the minimum improvement margin for acceptance.
const DefaultEpsilon = 0.01

// Scorekeeper holds the best-seen score and decides whether a new
// candidate improves on it.
type Scorekeeper struct {
	Epsilon            float64
	bestScore          float64
	bestSet            bool
	bestIterationIndex int
}

// NewScorekeeper builds a scorekeeper with bestScore effectively at
// minus-infinity.
func NewScorekeeper(epsilon float64) *Scorekeeper {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Scorekeeper{Epsilon: epsilon, bestScore: math.Inf(-1)}
}

// Evaluate scores one candidate and returns its accept decision,
// mutating internal state only when the candidate is accepted.
func (s *Scorekeeper) Evaluate(iterationIndex int, candidate float64) (domain.AcceptDecision, domain.AcceptReason) {
	if !s.bestSet {
		s.bestScore = candidate
		s.bestSet = true
		s.bestIterationIndex = iterationIndex
		return domain.DecisionAccepted, domain.ReasonImproved
	}

	switch {
	case candidate >= s.bestScore+s.Epsilon:
		s.bestScore = candidate
		s.bestIterationIndex = iterationIndex
		return domain.DecisionAccepted, domain.ReasonImproved
	case candidate < s.bestScore-s.Epsilon:
		return domain.DecisionRejected, domain.ReasonRegression
	default:
		return domain.DecisionRejected, domain.ReasonNoImprovement
	}
}

// Best returns the current best score and the iteration index it was
// set at. Returns (0, -1, false) if no candidate has been evaluated yet.
func (s *Scorekeeper) Best() (score float64, iterationIndex int, ok bool) {
	if !s.bestSet {
		return 0, -1, false
	}
	return s.bestScore, s.bestIterationIndex, true
}

// StopInput is everything the stop controller needs to decide whether
// to end the run.
type StopInput struct {
	Iteration             int
	MaxIterations         int
	AcceptedScoreHistory  []float64
	ConsecutiveRejections int
	MaxConsecutiveRejections int
	PlateauWindow         int
	PlateauThreshold      float64
	StartTime             time.Time
	TimeBudget            time.Duration
}

// StopDecision is the stop controller's verdict.
type StopDecision struct {
	Stop   bool
	Reason domain.StopReason
}

// DefaultMaxConsecutiveRejections, DefaultPlateauWindow,
// DefaultPlateauThreshold, and DefaultTimeBudget are the stop
// controller's default thresholds.
const (
	DefaultMaxConsecutiveRejections = 3
	DefaultPlateauWindow            = 3
	DefaultPlateauThreshold         = 0.01
)

var DefaultTimeBudget = 15 * time.Minute

// Evaluate applies the four stop conditions in order, first match wins.
func Evaluate(in StopInput) StopDecision {
	maxRejections := in.MaxConsecutiveRejections
	if maxRejections <= 0 {
		maxRejections = DefaultMaxConsecutiveRejections
	}
	window := in.PlateauWindow
	if window <= 0 {
		window = DefaultPlateauWindow
	}
	threshold := in.PlateauThreshold
	if threshold <= 0 {
		threshold = DefaultPlateauThreshold
	}
	budget := in.TimeBudget
	if budget <= 0 {
		budget = DefaultTimeBudget
	}

	if in.Iteration >= in.MaxIterations-1 {
		return StopDecision{Stop: true, Reason: domain.StopMaxIterations}
	}
	if in.ConsecutiveRejections >= maxRejections {
		return StopDecision{Stop: true, Reason: domain.StopRegressionLimit}
	}
	if len(in.AcceptedScoreHistory) >= window {
		tail := in.AcceptedScoreHistory[len(in.AcceptedScoreHistory)-window:]
		min, max := tail[0], tail[0]
		for _, v := range tail {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		if max-min < threshold {
			return StopDecision{Stop: true, Reason: domain.StopPlateau}
		}
	}
	if !in.StartTime.IsZero() && time.Since(in.StartTime) > budget {
		return StopDecision{Stop: true, Reason: domain.StopTimeBudget}
	}
	return StopDecision{Stop: false}
}
