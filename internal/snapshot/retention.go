package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RetentionSweeper periodically removes extracted runtime/iter-<n>/
// directories older than a retention window, leaving archives and
// metadata untouched: a daily cron.v3 schedule driving a filesystem
// sweep.
type RetentionSweeper struct {
	storageDir    string
	retention     time.Duration
	isReferenced  func(projectID string, iteration int) bool
	log           zerolog.Logger
	cron          *cron.Cron
}

// NewRetentionSweeper builds a sweeper. isReferenced should report
// whether a historical preview still references an iteration's runtime
// directory; the sweeper never removes a referenced directory.
func NewRetentionSweeper(storageDir string, retentionDays int, isReferenced func(projectID string, iteration int) bool, log zerolog.Logger) *RetentionSweeper {
	if retentionDays <= 0 {
		retentionDays = 14
	}
	return &RetentionSweeper{
		storageDir:   storageDir,
		retention:    time.Duration(retentionDays) * 24 * time.Hour,
		isReferenced: isReferenced,
		log:          log.With().Str("component", "snapshot_retention").Logger(),
		cron:         cron.New(),
	}
}

// Start schedules the daily sweep at the given cron spec (default
// "0 3 * * *", 03:00 local) and begins running it.
func (r *RetentionSweeper) Start(spec string) error {
	if spec == "" {
		spec = "0 3 * * *"
	}
	_, err := r.cron.AddFunc(spec, r.Sweep)
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule.
func (r *RetentionSweeper) Stop() {
	r.cron.Stop()
}

// Sweep performs one pass over projects/*/runtime/iter-*/ directories.
func (r *RetentionSweeper) Sweep() {
	projectsDir := filepath.Join(r.storageDir, "projects")
	projectEntries, err := os.ReadDir(projectsDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-r.retention)
	for _, pe := range projectEntries {
		if !pe.IsDir() {
			continue
		}
		projectID := pe.Name()
		runtimeDir := filepath.Join(projectsDir, projectID, "runtime")
		iterEntries, err := os.ReadDir(runtimeDir)
		if err != nil {
			continue
		}
		for _, ie := range iterEntries {
			if !ie.IsDir() {
				continue
			}
			var iteration int
			if _, err := fmt.Sscanf(ie.Name(), "iter-%d", &iteration); err != nil {
				continue
			}
			if r.isReferenced != nil && r.isReferenced(projectID, iteration) {
				continue
			}
			info, err := ie.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			full := filepath.Join(runtimeDir, ie.Name())
			if err := os.RemoveAll(full); err != nil {
				r.log.Warn().Err(err).Str("path", full).Msg("retention sweep failed to remove runtime dir")
				continue
			}
			r.log.Info().Str("project_id", projectID).Int("iteration", iteration).Msg("retention sweep removed extracted runtime dir")
		}
	}
}
