// Package di wires the core's components together in dependency order:
// leaves first, each component receiving only the dependencies it
// declares in its constructor.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/aristath/refineloop/internal/config"
	"github.com/aristath/refineloop/internal/orchestrator"
	"github.com/aristath/refineloop/internal/providers"
	"github.com/aristath/refineloop/internal/sandbox"
	"github.com/aristath/refineloop/internal/snapshot"
	"github.com/aristath/refineloop/internal/tracebus"
)

// Container holds every long-lived component the server needs, in the
// order they were constructed.
type Container struct {
	Config        *config.Config
	Log           zerolog.Logger
	SandboxMgr    *sandbox.Manager
	SnapshotStore *snapshot.Store
	Bus           *tracebus.Bus
	CodeGen       *providers.CodeGenClient
	Scoring       *providers.ScoringClient
	Retention     *snapshot.RetentionSweeper
	OrchestratorCfg orchestrator.Config

	chromeAllocCancel context.CancelFunc
	chromeAllocCtx    context.Context
}

// Wire builds a fully-configured Container. Order: sandbox manager
// (leaf, no dependencies) -> snapshot store (needs an optional remote
// mirror) -> trace bus -> provider HTTP clients -> a headless-Chrome
// allocator shared by every run's screenshot/overflow steps -> the
// orchestrator config consumed per-run by cmd/server.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	sandboxMgr := sandbox.NewManager(sandbox.Config{
		HistoricalPoolSize: cfg.HistoricalPoolSize,
		CurrentTTL:         time.Duration(cfg.CurrentPreviewTTLMin) * time.Minute,
		HistoricalTTL:      time.Duration(cfg.HistoricalTTLMin) * time.Minute,
		TemplateDir:        cfg.TemplateDir,
		MinFreeMemPercent:  cfg.MinFreeMemPercent,
	}, log)

	var remote snapshot.RemoteMirror
	if cfg.R2Bucket != "" {
		mirror, err := snapshot.NewR2Mirror(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2Bucket, log)
		if err != nil {
			log.Warn().Err(err).Msg("remote snapshot mirror disabled")
		} else {
			remote = mirror
		}
	}
	snapshotStore := snapshot.NewStore(cfg.StorageDir, remote, log)

	retention := snapshot.NewRetentionSweeper(cfg.StorageDir, cfg.RetentionDays, nil, log)
	if err := retention.Start(""); err != nil {
		return nil, fmt.Errorf("start retention sweeper: %w", err)
	}

	bus := tracebus.NewBus(cfg.TraceBufferSize, log)

	timeout := time.Duration(cfg.ProviderTimeoutSec) * time.Second
	codegen := providers.NewCodeGenClient(cfg.CodeGenProviderURL, timeout)
	scoring := providers.NewScoringClient(cfg.ScoringProviderURL, timeout)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), chromedp.DefaultExecAllocatorOptions[:]...)

	orchCfg := orchestrator.Config{
		StorageDir:           cfg.StorageDir,
		ReadinessTimeout:     time.Duration(cfg.ReadinessTimeoutSec) * time.Second,
		RouteWarmupTimeout:   time.Duration(cfg.RouteWarmupTimeoutSec) * time.Second,
	}

	return &Container{
		Config:            cfg,
		Log:               log,
		SandboxMgr:        sandboxMgr,
		SnapshotStore:     snapshotStore,
		Bus:               bus,
		CodeGen:           codegen,
		Scoring:           scoring,
		Retention:         retention,
		OrchestratorCfg:   orchCfg,
		chromeAllocCancel: allocCancel,
		chromeAllocCtx:    allocCtx,
	}, nil
}

// NewOrchestrator builds an orchestrator for a single run, sharing this
// container's long-lived sandbox manager, snapshot store, trace bus,
// and Chrome allocator.
func (c *Container) NewOrchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(c.OrchestratorCfg, c.SandboxMgr, c.SnapshotStore, c.Bus, c.CodeGen, c.Scoring, c.chromeAllocCtx, c.Log)
}

// Close tears down every background resource the container owns.
func (c *Container) Close() {
	c.Retention.Stop()
	c.SandboxMgr.Stop()
	c.chromeAllocCancel()
}
