// Package orchestrator implements the Run Orchestrator: the top-level,
// single-shot state machine that drives one run's iterations through
// code generation, preview readiness, screenshot capture, overflow
// inspection, visual scoring, and the decision logic.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/refineloop/internal/decision"
	"github.com/aristath/refineloop/internal/domain"
	"github.com/aristath/refineloop/internal/providers"
	"github.com/aristath/refineloop/internal/sandbox"
	"github.com/aristath/refineloop/internal/snapshot"
	"github.com/aristath/refineloop/internal/tracebus"
)

// Config holds the orchestrator's tunables.
type Config struct {
	Epsilon                  float64
	MaxConsecutiveRejections int
	PlateauWindow            int
	PlateauThreshold         float64
	TimeBudget               time.Duration
	LayoutLockThreshold      float64
	StyleLockThreshold       float64
	ReadinessTimeout         time.Duration
	RouteWarmupTimeout       time.Duration
	MaxOverflowOffenders     int
	StorageDir               string
}

// Orchestrator drives one run at a time; callers are responsible for
// ensuring at most one active run per project, typically by stopping
// a predecessor before constructing a new one.
type Orchestrator struct {
	cfg         Config
	sandboxMgr  *sandbox.Manager
	snapshots   *snapshot.Store
	bus         *tracebus.Bus
	codegen     *providers.CodeGenClient
	scoring     *providers.ScoringClient
	chromeAlloc context.Context
	log         zerolog.Logger

	mu              sync.Mutex
	stopped         bool
	cancelCodeGen   context.CancelFunc
}

// New builds an orchestrator for one run's lifetime.
func New(cfg Config, sandboxMgr *sandbox.Manager, snapshots *snapshot.Store, bus *tracebus.Bus, codegen *providers.CodeGenClient, scoring *providers.ScoringClient, chromeAlloc context.Context, log zerolog.Logger) *Orchestrator {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = decision.DefaultEpsilon
	}
	if cfg.MaxOverflowOffenders <= 0 {
		cfg.MaxOverflowOffenders = 10
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 120 * time.Second
	}
	if cfg.RouteWarmupTimeout <= 0 {
		cfg.RouteWarmupTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg: cfg, sandboxMgr: sandboxMgr, snapshots: snapshots, bus: bus,
		codegen: codegen, scoring: scoring, chromeAlloc: chromeAlloc,
		log: log.With().Str("component", "orchestrator").Logger(),
	}
}

// Stop sets the stop flag and cancels any outstanding code-gen call.
// The earliest suspension-point check after Stop exits the run loop
// cleanly without emitting a success event.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	if o.cancelCodeGen != nil {
		o.cancelCodeGen()
	}
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// runState is the orchestrator's mutable per-run state.
type runState struct {
	iteration             int
	previousScore          *domain.ScoreVector
	consecutiveRejections  int
	acceptedScoreHistory   []float64
	currentPlan            *domain.PatchPlan
	lastOverflow           *domain.OverflowReport
	startTime              time.Time
	bestIteration          int
}

// Run drives the full iteration loop for one run against pack, writing
// generated code into workspaceDir. It returns the stop reason reached,
// or an error if the run failed outright.
func (o *Orchestrator) Run(ctx context.Context, run domain.Run, pack domain.DesignPack, workspaceDir string) (domain.StopReason, error) {
	target, ok := findTarget(pack.Manifest, run.TargetID)
	if !ok {
		o.emitRootFailure(run, fmt.Sprintf("unresolvable target %q", run.TargetID))
		return domain.StopReason(""), fmt.Errorf("unresolvable target %q", run.TargetID)
	}
	irNodes := findIRNodes(pack.IR, run.TargetID)

	scorekeeper := decision.NewScorekeeper(o.cfg.Epsilon)
	lockManager := decision.NewLockManager(o.cfg.LayoutLockThreshold, o.cfg.StyleLockThreshold)

	state := &runState{startTime: time.Now(), bestIteration: -1}

	o.bus.RunStarted(run.ProjectID, run.RunID)

	var finalReason domain.StopReason
	var runErr error

	for {
		if o.isStopped() {
			finalReason = domain.StopCancelled
			break
		}

		iterNodeID := fmt.Sprintf("root-iter%d", state.iteration)
		o.emit(run, iterNodeID, tracebus.EventNodeCreated, tracebus.Payload{StepKey: "iteration", Title: fmt.Sprintf("Iteration %d", state.iteration)})
		o.emit(run, iterNodeID, tracebus.EventNodeStarted, tracebus.Payload{})

		ok, overall, score, focusPlan, stepErr := o.runIteration(ctx, run, pack, target, irNodes, workspaceDir, state, scorekeeper, lockManager, iterNodeID)
		if stepErr != nil {
			o.emit(run, iterNodeID, tracebus.EventNodeFailed, tracebus.Payload{Message: stepErr.Error()})
			runErr = stepErr
			finalReason = ""
			break
		}

		decisionStr := string(domain.DecisionRejected)
		if ok {
			decisionStr = string(domain.DecisionAccepted)
		}
		isBest := ok
		finMsg := tracebus.Payload{Decision: decisionStr, Score: &overall}
		if isBest {
			b := true
			finMsg.IsBest = &b
		}
		o.emit(run, iterNodeID, tracebus.EventNodeFinished, finMsg)

		if ok {
			state.acceptedScoreHistory = append(state.acceptedScoreHistory, overall)
			state.consecutiveRejections = 0
			state.previousScore = &score
			state.bestIteration = state.iteration

			if overall >= pack.Manifest.RunDefaults.Threshold {
				finalReason = domain.StopThresholdMet
				state.iteration++
				break
			}
		} else {
			state.consecutiveRejections++
			if best := state.bestIteration; best >= 0 {
				if err := o.snapshots.Restore(run.ProjectID, best, workspaceDir); err != nil {
					o.log.Warn().Err(err).Msg("restore after rejection failed; continuing with current workspace")
				}
			}
		}
		state.currentPlan = focusPlan

		if o.isStopped() {
			finalReason = domain.StopCancelled
			state.iteration++
			break
		}

		stopDecision := decision.Evaluate(decision.StopInput{
			Iteration:                state.iteration,
			MaxIterations:             pack.Manifest.RunDefaults.MaxIterations,
			AcceptedScoreHistory:      state.acceptedScoreHistory,
			ConsecutiveRejections:     state.consecutiveRejections,
			MaxConsecutiveRejections:  o.cfg.MaxConsecutiveRejections,
			PlateauWindow:             o.cfg.PlateauWindow,
			PlateauThreshold:          o.cfg.PlateauThreshold,
			StartTime:                 state.startTime,
			TimeBudget:                o.cfg.TimeBudget,
		})
		state.iteration++
		if stopDecision.Stop {
			finalReason = stopDecision.Reason
			break
		}
	}

	status := "success"
	if runErr != nil || finalReason == domain.StopCancelled {
		status = "error"
	}
	o.bus.RunFinished(run.ProjectID, run.RunID, status)
	return finalReason, runErr
}

// runIteration executes pipeline steps 1-6 for one iteration. It
// returns whether the candidate was accepted, its overall/vector
// scores, the patch plan for the next iteration (built from this
// iteration's scores when accepted; the current plan, unchanged, when
// rejected), and any hard failure.
func (o *Orchestrator) runIteration(
	ctx context.Context,
	run domain.Run,
	pack domain.DesignPack,
	target domain.Target,
	irNodes []domain.IRNode,
	workspaceDir string,
	state *runState,
	scorekeeper *decision.Scorekeeper,
	lockManager *decision.LockManager,
	iterNodeID string,
) (accepted bool, overall float64, score domain.ScoreVector, plan *domain.PatchPlan, err error) {

	// Step 1: code generation.
	genNode := iterNodeID + "-codegen"
	o.emit(run, genNode, tracebus.EventNodeCreated, tracebus.Payload{StepKey: "codegen", Title: "Generate code"})
	o.emit(run, genNode, tracebus.EventNodeStarted, tracebus.Payload{})

	genCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelCodeGen = cancel
	o.mu.Unlock()

	prompt := BuildPrompt(pack, target, state.previousScore, state.currentPlan, state.lastOverflow)
	files, genErr := o.codegen.Generate(genCtx, prompt)
	cancel()
	if genErr != nil {
		o.emit(run, genNode, tracebus.EventNodeFailed, tracebus.Payload{Message: genErr.Error()})
		return false, 0, domain.ScoreVector{}, nil, fmt.Errorf("code generation: %w", genErr)
	}
	if err := writeFiles(workspaceDir, files); err != nil {
		o.emit(run, genNode, tracebus.EventNodeFailed, tracebus.Payload{Message: err.Error()})
		return false, 0, domain.ScoreVector{}, nil, fmt.Errorf("write generated files: %w", err)
	}
	for _, f := range files {
		o.emit(run, genNode, tracebus.EventArtifactAdded, tracebus.Payload{Artifact: &tracebus.Artifact{Kind: "file", Path: f.RelativePath}})
	}
	o.emit(run, genNode, tracebus.EventNodeFinished, tracebus.Payload{})

	if o.isStopped() {
		return false, 0, domain.ScoreVector{}, nil, nil
	}

	// Step 2: preview readiness + route warm-up.
	previewNode := iterNodeID + "-preview"
	o.emit(run, previewNode, tracebus.EventNodeCreated, tracebus.Payload{StepKey: "preview", Title: "Preview readiness"})
	o.emit(run, previewNode, tracebus.EventNodeStarted, tracebus.Payload{})

	previewURL, perr := o.waitForPreview(ctx, run.ProjectID, workspaceDir)
	if perr != nil {
		o.emit(run, previewNode, tracebus.EventNodeFailed, tracebus.Payload{Message: perr.Error()})
		return false, 0, domain.ScoreVector{}, nil, fmt.Errorf("preview readiness: %w", perr)
	}
	if err := o.warmRoute(ctx, previewURL+target.Route); err != nil {
		o.emit(run, previewNode, tracebus.EventNodeFailed, tracebus.Payload{Message: err.Error()})
		return false, 0, domain.ScoreVector{}, nil, fmt.Errorf("route warm-up: %w", err)
	}
	time.Sleep(1500 * time.Millisecond)
	o.emit(run, previewNode, tracebus.EventNodeFinished, tracebus.Payload{})

	if o.isStopped() {
		return false, 0, domain.ScoreVector{}, nil, nil
	}

	// Step 3: screenshot capture.
	shotNode := iterNodeID + "-screenshot"
	o.emit(run, shotNode, tracebus.EventNodeCreated, tracebus.Payload{StepKey: "screenshot", Title: "Capture screenshots"})
	o.emit(run, shotNode, tracebus.EventNodeStarted, tracebus.Payload{})

	outDir := filepath.Join(o.cfg.StorageDir, "projects", run.ProjectID, "artifacts", "snapshots", run.RunID)
	captured, shotErr := CaptureScreenshots(ctx, o.chromeAlloc, previewURL, target.Route, pack.Manifest.Breakpoints, outDir)
	if shotErr != nil {
		o.emit(run, shotNode, tracebus.EventNodeFailed, tracebus.Payload{Message: shotErr.Error()})
		return false, 0, domain.ScoreVector{}, nil, fmt.Errorf("screenshot capture: %w", shotErr)
	}
	for _, c := range captured {
		o.emit(run, shotNode, tracebus.EventArtifactAdded, tracebus.Payload{Artifact: &tracebus.Artifact{Kind: "screenshot", Path: c.Path}})
	}
	o.emit(run, shotNode, tracebus.EventNodeFinished, tracebus.Payload{})

	// Step 4: overflow inspection (best-effort).
	overflowNode := iterNodeID + "-overflow"
	o.emit(run, overflowNode, tracebus.EventNodeCreated, tracebus.Payload{StepKey: "overflow", Title: "Overflow inspection"})
	o.emit(run, overflowNode, tracebus.EventNodeStarted, tracebus.Payload{})

	if primary, ok := primaryBreakpoint(pack.Manifest.Breakpoints); ok {
		reportPath := filepath.Join(o.cfg.StorageDir, "projects", run.ProjectID, "artifacts", "snapshots", run.RunID, fmt.Sprintf("iter-%d-overflow.json", state.iteration))
		report, oerr := InspectOverflow(o.chromeAlloc, previewURL, target.Route, primary, reportPath, o.cfg.MaxOverflowOffenders)
		if oerr != nil {
			o.log.Warn().Err(oerr).Msg("overflow inspection failed; treating as no overflow")
			o.emit(run, overflowNode, tracebus.EventNodeFailed, tracebus.Payload{Message: oerr.Error()})
			state.lastOverflow = &domain.OverflowReport{}
		} else {
			state.lastOverflow = &report
			o.emit(run, overflowNode, tracebus.EventNodeFinished, tracebus.Payload{})
		}
	} else {
		o.emit(run, overflowNode, tracebus.EventNodeFinished, tracebus.Payload{Message: "no primary breakpoint configured"})
	}

	// Step 5: visual scoring.
	scoreNode := iterNodeID + "-score"
	o.emit(run, scoreNode, tracebus.EventNodeCreated, tracebus.Payload{StepKey: "score", Title: "Visual scoring"})
	o.emit(run, scoreNode, tracebus.EventNodeStarted, tracebus.Payload{})

	vector, scoreErr := o.scoreCaptures(ctx, pack, target, run, state.iteration, captured)
	if scoreErr != nil {
		o.emit(run, scoreNode, tracebus.EventNodeFailed, tracebus.Payload{Message: scoreErr.Error()})
		return false, 0, domain.ScoreVector{}, nil, fmt.Errorf("visual scoring: %w", scoreErr)
	}
	overallScore := vector.Weighted()
	o.emit(run, scoreNode, tracebus.EventNodeFinished, tracebus.Payload{Score: &overallScore})

	// Step 6: decision and snapshot.
	if _, err := o.snapshots.Create(run.RunID, run.ProjectID, state.iteration, workspaceDir); err != nil {
		o.log.Warn().Err(err).Msg("snapshot create failed; iteration still counts")
	}

	d, _ := scorekeeper.Evaluate(state.iteration, overallScore)
	lockManager.Update(vector.Layout, vector.Style, irNodes)

	if d != domain.DecisionAccepted {
		return false, overallScore, vector, state.currentPlan, nil
	}
	nextPlan := decision.Plan(vector, irNodes, lockManager)
	return true, overallScore, vector, &nextPlan, nil
}

// waitForPreview calls the sandbox manager's start-current operation
// and polls its status until ready, error, or timeout.
func (o *Orchestrator) waitForPreview(ctx context.Context, projectID, workspaceDir string) (string, error) {
	if _, err := o.sandboxMgr.StartCurrent(ctx, projectID, workspaceDir); err != nil {
		return "", err
	}

	deadline := time.Now().Add(o.cfg.ReadinessTimeout)
	for time.Now().Before(deadline) {
		if o.isStopped() {
			return "", fmt.Errorf("stopped while waiting for preview")
		}
		snap := o.sandboxMgr.StatusCurrent(projectID)
		switch snap.Status {
		case domain.PreviewReady:
			return snap.PreviewURL, nil
		case domain.PreviewError:
			return "", fmt.Errorf("preview entered error state: %s", snap.Error)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("preview readiness timed out after %s", o.cfg.ReadinessTimeout)
}

// warmRoute polls previewURL until a non-404 response, capped at
// RouteWarmupTimeout.
func (o *Orchestrator) warmRoute(ctx context.Context, url string) error {
	deadline := time.Now().Add(o.cfg.RouteWarmupTimeout)
	client := newWarmupHTTPClient()
	for time.Now().Before(deadline) {
		if o.isStopped() {
			return fmt.Errorf("stopped while warming route")
		}
		if status, err := probe(ctx, client, url); err == nil && status != 404 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
	return fmt.Errorf("route warm-up timed out after %s", o.cfg.RouteWarmupTimeout)
}

func (o *Orchestrator) scoreCaptures(ctx context.Context, pack domain.DesignPack, target domain.Target, run domain.Run, iteration int, captured []CapturedScreenshot) (domain.ScoreVector, error) {
	var layouts, styles, a11ys, perceptuals []float64
	summary := IRSummary(pack.IR, target.TargetID)

	for _, c := range captured {
		candidateB64, err := fileToBase64(c.Path)
		if err != nil {
			return domain.ScoreVector{}, err
		}
		baselinePath := pack.BaselinePath(target.TargetID, c.BreakpointID, "default")
		baselineB64, err := fileToBase64(baselinePath)
		if err != nil {
			return domain.ScoreVector{}, fmt.Errorf("read baseline for %s: %w", c.BreakpointID, err)
		}

		v, err := o.scoring.Score(ctx, candidateB64, baselineB64, summary)
		if err != nil {
			return domain.ScoreVector{}, err
		}
		layouts = append(layouts, v.Layout)
		styles = append(styles, v.Style)
		a11ys = append(a11ys, v.A11y)
		perceptuals = append(perceptuals, v.Perceptual)
	}

	return domain.ScoreVector{
		Layout:     round2(stat.Mean(layouts, nil)),
		Style:      round2(stat.Mean(styles, nil)),
		A11y:       round2(stat.Mean(a11ys, nil)),
		Perceptual: round2(stat.Mean(perceptuals, nil)),
	}, nil
}

func round2(v float64) float64 { return float64(int(v*100+0.5)) / 100 }

func fileToBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (o *Orchestrator) emit(run domain.Run, nodeID string, typ tracebus.EventType, payload tracebus.Payload) {
	ev := tracebus.AgentEvent{
		EventID:   uuid.New().String(),
		ProjectID: run.ProjectID,
		PackID:    run.PackID,
		NodeID:    nodeID,
		Type:      typ,
		Ts:        time.Now(),
		Payload:   payload,
	}
	o.bus.PublishEvent(run.RunID, ev)
}

func (o *Orchestrator) emitRootFailure(run domain.Run, message string) {
	o.bus.RunStarted(run.ProjectID, run.RunID)
	o.emit(run, "root", tracebus.EventNodeFailed, tracebus.Payload{Message: message})
	o.bus.RunFinished(run.ProjectID, run.RunID, "error")
}

func findTarget(m domain.Manifest, targetID string) (domain.Target, bool) {
	for _, t := range m.Targets {
		if t.TargetID == targetID {
			return t, true
		}
	}
	return domain.Target{}, false
}

func findIRNodes(ir domain.DesignIR, targetID string) []domain.IRNode {
	for _, t := range ir.Targets {
		if t.TargetID == targetID {
			return t.Nodes
		}
	}
	return nil
}

func primaryBreakpoint(bps []domain.Breakpoint) (domain.Breakpoint, bool) {
	if len(bps) == 0 {
		return domain.Breakpoint{}, false
	}
	return bps[0], true
}

func writeFiles(workspaceDir string, files []domain.GeneratedFile) error {
	for _, f := range files {
		full := filepath.Join(workspaceDir, f.RelativePath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", f.RelativePath, err)
		}
		tmp := full + ".tmp"
		if err := os.WriteFile(tmp, []byte(f.Contents), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.RelativePath, err)
		}
		if err := os.Rename(tmp, full); err != nil {
			return fmt.Errorf("finalize %s: %w", f.RelativePath, err)
		}
	}
	return nil
}
