// Package snapshot implements the filesystem-backed workspace archive
// store: creating per-iteration archives, extracting them into isolated
// runtime directories, and restoring them over a workspace for
// rollback.
package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/refineloop/internal/domain"
)

// dependencyDirName is the single directory restore/extract must never
// touch, so a rollback does not force a reinstall.
const dependencyDirName = "node_modules"

// excludedDirs are omitted from every archive.
var excludedDirs = map[string]bool{
	dependencyDirName: true,
	".next":            true,
	"dist":             true,
	"build":            true,
}

// Store is backed by a project's "snapshots/" directory, rooted under
// the configured storage directory.
type Store struct {
	storageDir string
	log        zerolog.Logger
	remote     RemoteMirror
}

// RemoteMirror is the optional best-effort upload sink for archives.
// Implementations must never block Create for long or return an error
// that fails the iteration; see R2Mirror in remote.go.
type RemoteMirror interface {
	Upload(key string, path string) error
}

// NewStore builds a store rooted at storageDir/projects/<id>/snapshots.
func NewStore(storageDir string, remote RemoteMirror, log zerolog.Logger) *Store {
	return &Store{storageDir: storageDir, remote: remote, log: log.With().Str("component", "snapshot_store").Logger()}
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join(s.storageDir, "projects", projectID)
}

func (s *Store) archivePath(projectID string, iteration int) string {
	return filepath.Join(s.projectDir(projectID), "snapshots", fmt.Sprintf("iter-%d.tar.gz", iteration))
}

func (s *Store) metaPath(projectID string, iteration int) string {
	return filepath.Join(s.projectDir(projectID), "snapshots", fmt.Sprintf("iter-%d.json", iteration))
}

func (s *Store) runtimeDir(projectID string, iteration int) string {
	return filepath.Join(s.projectDir(projectID), "runtime", fmt.Sprintf("iter-%d", iteration), "workspace")
}

// Create archives workspaceDir (excluding dependency/build directories)
// and writes a sidecar metadata file. Best-effort remote mirroring, if
// configured, happens after the local archive is durable; a mirror
// failure is logged and swallowed rather than failing this call.
func (s *Store) Create(runID, projectID string, iteration int, workspaceDir string) (domain.SnapshotMeta, error) {
	archivePath := s.archivePath(projectID, iteration)
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return domain.SnapshotMeta{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	if err := writeArchive(archivePath, workspaceDir); err != nil {
		return domain.SnapshotMeta{}, fmt.Errorf("write archive: %w", err)
	}

	meta := domain.SnapshotMeta{
		ProjectID:      projectID,
		RunID:          runID,
		IterationIndex: iteration,
		CreatedAt:      time.Now(),
		ArchivePath:    archivePath,
	}
	if err := writeMeta(s.metaPath(projectID, iteration), meta); err != nil {
		return domain.SnapshotMeta{}, fmt.Errorf("write snapshot metadata: %w", err)
	}

	if s.remote != nil {
		go func() {
			key := fmt.Sprintf("%s/iter-%d.tar.gz", projectID, iteration)
			if err := s.remote.Upload(key, archivePath); err != nil {
				s.log.Warn().Err(err).Str("project_id", projectID).Int("iteration", iteration).Msg("remote mirror upload failed")
			}
		}()
	}

	return meta, nil
}

// Has reports whether an archive exists for the given iteration.
func (s *Store) Has(projectID string, iteration int) bool {
	_, err := os.Stat(s.archivePath(projectID, iteration))
	return err == nil
}

// Extract idempotently extracts the archive into its runtime directory,
// returning the directory path. A pre-existing runtime directory is
// returned as-is without re-extracting.
func (s *Store) Extract(projectID string, iteration int) (string, error) {
	dir := s.runtimeDir(projectID, iteration)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create runtime dir: %w", err)
	}
	if err := extractArchive(s.archivePath(projectID, iteration), dir); err != nil {
		return "", fmt.Errorf("extract archive: %w", err)
	}
	return dir, nil
}

// List returns every snapshot's metadata for a project, sorted by
// iteration index ascending, skipping corrupt metadata files.
func (s *Store) List(projectID string) ([]domain.SnapshotMeta, error) {
	dir := filepath.Join(s.projectDir(projectID), "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshots dir: %w", err)
	}

	var metas []domain.SnapshotMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable snapshot metadata")
			continue
		}
		var meta domain.SnapshotMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			s.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping corrupt snapshot metadata")
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].IterationIndex < metas[j].IterationIndex })
	return metas, nil
}

// Restore extracts (idempotently) then replaces every entry in
// workspaceDir except the dependency directory with the extracted
// contents, preserving node_modules so a rollback never forces a
// reinstall.
func (s *Store) Restore(projectID string, iteration int, workspaceDir string) error {
	runtimeDir, err := s.Extract(projectID, iteration)
	if err != nil {
		return fmt.Errorf("extract for restore: %w", err)
	}

	if err := removeExceptDependencyDir(workspaceDir); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}

	return copyTree(runtimeDir, workspaceDir)
}

// Cleanup removes the extracted runtime directory for one iteration.
func (s *Store) Cleanup(projectID string, iteration int) error {
	dir := filepath.Dir(s.runtimeDir(projectID, iteration))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove runtime dir: %w", err)
	}
	return nil
}

func writeMeta(path string, meta domain.SnapshotMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// writeArchive tars+gzips workspaceDir into archivePath, skipping
// excludedDirs at the top level and any nested directory with the same
// name, so build caches anywhere in the tree are omitted consistently.
func writeArchive(archivePath, workspaceDir string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	return filepath.Walk(workspaceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() && excludedDirs[info.Name()] {
			return filepath.SkipDir
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
}

// extractArchive extracts a tar.gz into destDir, rejecting any entry
// whose resolved path escapes destDir (path-traversal guard).
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// removeExceptDependencyDir deletes every entry under dir except the
// dependency directory, leaving it bit-identical.
func removeExceptDependencyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.Name() == dependencyDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// copyTree copies every entry from src to dst except the dependency
// directory (already preserved in dst by removeExceptDependencyDir).
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if strings.HasPrefix(rel, dependencyDirName) {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
