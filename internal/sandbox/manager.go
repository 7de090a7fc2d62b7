package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/refineloop/internal/domain"
)

// Config controls the manager's pools and timeouts.
type Config struct {
	HistoricalPoolSize int
	CurrentTTL         time.Duration
	HistoricalTTL      time.Duration
	TemplateDir        string
	MinFreeMemPercent  float64
	ReapInterval        time.Duration
}

// StatusSnapshot is the public view returned by Status calls.
type StatusSnapshot struct {
	PreviewURL string
	Status     domain.PreviewStatus
	Error      string
}

type historicalKey struct {
	projectID string
	iteration int
}

// request is the typed message every public operation is translated
// into before being sent to the manager's single owner goroutine,
// serializing every process-map mutation without a lock.
type request struct {
	kind   string
	projectID string
	iteration int
	workspaceDir string
	reply  chan response
}

type response struct {
	snapshot StatusSnapshot
	err      error
}

// Manager owns current[projectId] and historical[(projectId,iteration)]
// process maps, serialized through one channel so the maps themselves
// need no lock; each process record guards its own fields with a mutex
// (see process.go).
type Manager struct {
	cfg      Config
	log      zerolog.Logger
	requests chan request
	stopCh   chan struct{}
	done     chan struct{}

	current    map[string]*process
	historical map[historicalKey]*process
}

// NewManager builds a manager and starts its owner goroutine and reaper
// ticker. Call Stop to terminate both and kill every tracked process.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	if cfg.HistoricalPoolSize <= 0 {
		cfg.HistoricalPoolSize = 2
	}
	if cfg.CurrentTTL <= 0 {
		cfg.CurrentTTL = 30 * time.Minute
	}
	if cfg.HistoricalTTL <= 0 {
		cfg.HistoricalTTL = 10 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 60 * time.Second
	}
	if cfg.MinFreeMemPercent <= 0 {
		cfg.MinFreeMemPercent = 10.0
	}

	m := &Manager{
		cfg:        cfg,
		log:        log.With().Str("component", "sandbox_manager").Logger(),
		requests:   make(chan request, 32),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		current:    make(map[string]*process),
		historical: make(map[historicalKey]*process),
	}
	go m.loop()
	return m
}

const (
	kindStartCurrent    = "start_current"
	kindStartHistorical = "start_historical"
	kindStatusCurrent   = "status_current"
	kindStatusHistorical = "status_historical"
	kindStopCurrent     = "stop_current"
	kindStopHistorical  = "stop_historical"
	kindStopAll         = "stop_all"
	kindReapTick        = "reap_tick"
)

func (m *Manager) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.handleStopAll()
			return
		case <-ticker.C:
			m.reap()
		case req := <-m.requests:
			m.handle(req)
		}
	}
}

func (m *Manager) handle(req request) {
	switch req.kind {
	case kindStartCurrent:
		req.reply <- m.handleStartCurrent(req.projectID, req.workspaceDir)
	case kindStartHistorical:
		req.reply <- m.handleStartHistorical(req.projectID, req.iteration, req.workspaceDir)
	case kindStatusCurrent:
		req.reply <- m.handleStatusCurrent(req.projectID)
	case kindStatusHistorical:
		req.reply <- m.handleStatusHistorical(req.projectID, req.iteration)
	case kindStopCurrent:
		m.handleStopCurrent(req.projectID)
		req.reply <- response{}
	case kindStopHistorical:
		m.handleStopHistorical(req.projectID, req.iteration)
		req.reply <- response{}
	}
}

func (m *Manager) send(req request) response {
	req.reply = make(chan response, 1)
	m.requests <- req
	return <-req.reply
}

// StartCurrent starts (or returns the already-live) current preview for
// a project's workspace.
func (m *Manager) StartCurrent(ctx context.Context, projectID, workspaceDir string) (StatusSnapshot, error) {
	resp := m.send(request{kind: kindStartCurrent, projectID: projectID, workspaceDir: workspaceDir})
	return resp.snapshot, resp.err
}

// StartHistorical starts (or returns the already-live) historical
// preview for one iteration's extracted runtime directory.
func (m *Manager) StartHistorical(ctx context.Context, projectID string, iteration int, runtimeDir string) (StatusSnapshot, error) {
	resp := m.send(request{kind: kindStartHistorical, projectID: projectID, iteration: iteration, workspaceDir: runtimeDir})
	return resp.snapshot, resp.err
}

// StatusCurrent returns the current preview's status, updating its
// last-accessed time as a side effect.
func (m *Manager) StatusCurrent(projectID string) StatusSnapshot {
	resp := m.send(request{kind: kindStatusCurrent, projectID: projectID})
	return resp.snapshot
}

// StatusHistorical returns a historical preview's status.
func (m *Manager) StatusHistorical(projectID string, iteration int) StatusSnapshot {
	resp := m.send(request{kind: kindStatusHistorical, projectID: projectID, iteration: iteration})
	return resp.snapshot
}

// StopCurrent best-effort terminates the current preview.
func (m *Manager) StopCurrent(projectID string) {
	m.send(request{kind: kindStopCurrent, projectID: projectID})
}

// StopHistorical best-effort terminates one historical preview.
func (m *Manager) StopHistorical(projectID string, iteration int) {
	m.send(request{kind: kindStopHistorical, projectID: projectID, iteration: iteration})
}

// Stop terminates every tracked process and disables the reaper. Call
// it once, during shutdown: a second call panics, because it closes an
// already-closed channel.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.done
}

func (m *Manager) handleStartCurrent(projectID, workspaceDir string) response {
	if p, ok := m.current[projectID]; ok {
		info := p.snapshotInfo()
		if info.Status != domain.PreviewStopped && info.Status != domain.PreviewError {
			p.touch()
			return response{snapshot: toSnapshot(p.snapshotInfo())}
		}
	}

	if ok, avail, err := sufficientMemory(m.cfg.MinFreeMemPercent); err == nil && !ok {
		return response{err: fmt.Errorf("insufficient host memory: %.1f%% available", avail)}
	}

	port, err := freePort()
	if err != nil {
		return response{err: fmt.Errorf("allocate port: %w", err)}
	}

	p := &process{
		info: domain.PreviewProcess{
			ProjectID:      projectID,
			Port:           port,
			Status:         domain.PreviewInstalling,
			StartedAt:      time.Now(),
			LastAccessedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	m.current[projectID] = p

	ctx := context.Background()
	deps := startupDeps{templateDir: m.cfg.TemplateDir, log: m.log}
	go runStartup(ctx, workspaceDir, deps, p, func() {}, func() {})

	return response{snapshot: toSnapshot(p.snapshotInfo())}
}

func (m *Manager) handleStartHistorical(projectID string, iteration int, runtimeDir string) response {
	key := historicalKey{projectID, iteration}
	if p, ok := m.historical[key]; ok {
		info := p.snapshotInfo()
		if info.Status != domain.PreviewStopped && info.Status != domain.PreviewError {
			p.touch()
			return response{snapshot: toSnapshot(p.snapshotInfo())}
		}
	}

	if ok, avail, err := sufficientMemory(m.cfg.MinFreeMemPercent); err == nil && !ok {
		return response{err: fmt.Errorf("insufficient host memory: %.1f%% available", avail)}
	}

	m.evictIfOverCapacity()

	port, err := freePort()
	if err != nil {
		return response{err: fmt.Errorf("allocate port: %w", err)}
	}

	p := &process{
		info: domain.PreviewProcess{
			ProjectID:      projectID,
			IterationIndex: iteration,
			Port:           port,
			Status:         domain.PreviewInstalling,
			StartedAt:      time.Now(),
			LastAccessedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	m.historical[key] = p

	ctx := context.Background()
	deps := startupDeps{templateDir: m.cfg.TemplateDir, log: m.log}
	go runStartup(ctx, runtimeDir, deps, p, func() {}, func() {})

	return response{snapshot: toSnapshot(p.snapshotInfo())}
}

// evictIfOverCapacity removes the least-recently-accessed non-terminal
// historical process if the pool is already at or above capacity,
// before a new one is inserted. Kill errors are swallowed: the process
// may already be dead.
func (m *Manager) evictIfOverCapacity() {
	type candidate struct {
		key  historicalKey
		info domain.PreviewProcess
	}
	var nonTerminal []candidate
	for k, p := range m.historical {
		info := p.snapshotInfo()
		if info.Status != domain.PreviewStopped && info.Status != domain.PreviewError {
			nonTerminal = append(nonTerminal, candidate{k, info})
		}
	}
	if len(nonTerminal) < m.cfg.HistoricalPoolSize {
		return
	}

	var oldestKey historicalKey
	var oldestTime time.Time
	first := true
	for _, c := range nonTerminal {
		if first || c.info.LastAccessedAt.Before(oldestTime) {
			oldestKey = c.key
			oldestTime = c.info.LastAccessedAt
			first = false
		}
	}
	if p, ok := m.historical[oldestKey]; ok {
		killProcessGroup(p.cmdHandle())
		delete(m.historical, oldestKey)
		m.log.Info().Str("project_id", oldestKey.projectID).Int("iteration", oldestKey.iteration).Msg("evicted LRU historical preview")
	}
}

func (m *Manager) handleStatusCurrent(projectID string) response {
	p, ok := m.current[projectID]
	if !ok {
		return response{snapshot: StatusSnapshot{Status: domain.PreviewStopped}}
	}
	p.touch()
	return response{snapshot: toSnapshot(p.snapshotInfo())}
}

func (m *Manager) handleStatusHistorical(projectID string, iteration int) response {
	p, ok := m.historical[historicalKey{projectID, iteration}]
	if !ok {
		return response{snapshot: StatusSnapshot{Status: domain.PreviewStopped}}
	}
	p.touch()
	return response{snapshot: toSnapshot(p.snapshotInfo())}
}

func (m *Manager) handleStopCurrent(projectID string) {
	if p, ok := m.current[projectID]; ok {
		killProcessGroup(p.cmdHandle())
		delete(m.current, projectID)
	}
}

func (m *Manager) handleStopHistorical(projectID string, iteration int) {
	key := historicalKey{projectID, iteration}
	if p, ok := m.historical[key]; ok {
		killProcessGroup(p.cmdHandle())
		delete(m.historical, key)
	}
}

func (m *Manager) handleStopAll() {
	for _, p := range m.current {
		killProcessGroup(p.cmdHandle())
	}
	for _, p := range m.historical {
		killProcessGroup(p.cmdHandle())
	}
	m.current = make(map[string]*process)
	m.historical = make(map[historicalKey]*process)
}

// reap removes any ready process whose idle time exceeds its TTL.
func (m *Manager) reap() {
	now := time.Now()
	for id, p := range m.current {
		info := p.snapshotInfo()
		if info.Status == domain.PreviewReady && now.Sub(info.LastAccessedAt) > m.cfg.CurrentTTL {
			killProcessGroup(p.cmdHandle())
			delete(m.current, id)
			m.log.Info().Str("project_id", id).Msg("reaped idle current preview")
		}
	}
	for key, p := range m.historical {
		info := p.snapshotInfo()
		if info.Status == domain.PreviewReady && now.Sub(info.LastAccessedAt) > m.cfg.HistoricalTTL {
			killProcessGroup(p.cmdHandle())
			delete(m.historical, key)
			m.log.Info().Str("project_id", key.projectID).Int("iteration", key.iteration).Msg("reaped idle historical preview")
		}
	}
}

func toSnapshot(info domain.PreviewProcess) StatusSnapshot {
	return StatusSnapshot{PreviewURL: info.PreviewURL, Status: info.Status, Error: info.Error}
}
