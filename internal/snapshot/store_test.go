package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	storageDir := t.TempDir()
	return NewStore(storageDir, nil, zerolog.Nop()), storageDir
}

func TestStore_CreateThenHasAndList(t *testing.T) {
	store, storageDir := newTestStore(t)
	ws := filepath.Join(storageDir, "workspace")
	writeFile(t, filepath.Join(ws, "src", "App.tsx"), "export default App")
	writeFile(t, filepath.Join(ws, "node_modules", "pkg", "index.js"), "module.exports = {}")

	_, err := store.Create("run1", "proj1", 0, ws)
	require.NoError(t, err)

	assert.True(t, store.Has("proj1", 0))
	assert.False(t, store.Has("proj1", 1))

	metas, err := store.List("proj1")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, 0, metas[0].IterationIndex)
}

func TestStore_CreateExcludesDependencyDirectory(t *testing.T) {
	store, storageDir := newTestStore(t)
	ws := filepath.Join(storageDir, "workspace")
	writeFile(t, filepath.Join(ws, "src", "App.tsx"), "content")
	writeFile(t, filepath.Join(ws, "node_modules", "pkg", "index.js"), "module.exports")

	_, err := store.Create("run1", "proj1", 0, ws)
	require.NoError(t, err)

	dir, err := store.Extract("proj1", 0)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "node_modules"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "src", "App.tsx"))
	assert.NoError(t, err)
}

func TestStore_ExtractIsIdempotent(t *testing.T) {
	store, storageDir := newTestStore(t)
	ws := filepath.Join(storageDir, "workspace")
	writeFile(t, filepath.Join(ws, "src", "App.tsx"), "v1")
	_, err := store.Create("run1", "proj1", 0, ws)
	require.NoError(t, err)

	dir1, err := store.Extract("proj1", 0)
	require.NoError(t, err)
	dir2, err := store.Extract("proj1", 0)
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)

	data, err := os.ReadFile(filepath.Join(dir1, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestStore_RestorePreservesDependencyDirectory(t *testing.T) {
	store, storageDir := newTestStore(t)
	ws := filepath.Join(storageDir, "workspace")
	writeFile(t, filepath.Join(ws, "src", "App.tsx"), "v1")
	writeFile(t, filepath.Join(ws, "node_modules", "pkg", "index.js"), "deps")
	_, err := store.Create("run1", "proj1", 0, ws)
	require.NoError(t, err)

	// Mutate the workspace as a later, rejected iteration would.
	writeFile(t, filepath.Join(ws, "src", "App.tsx"), "v2-bad")
	writeFile(t, filepath.Join(ws, "src", "Extra.tsx"), "should be removed")

	err = store.Restore("proj1", 0, ws)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	_, err = os.Stat(filepath.Join(ws, "src", "Extra.tsx"))
	assert.True(t, os.IsNotExist(err))

	depData, err := os.ReadFile(filepath.Join(ws, "node_modules", "pkg", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "deps", string(depData))
}

func TestStore_ListSkipsCorruptMetadata(t *testing.T) {
	store, storageDir := newTestStore(t)
	snapshotsDir := filepath.Join(storageDir, "projects", "proj1", "snapshots")
	writeFile(t, filepath.Join(snapshotsDir, "iter-0.json"), "{not valid json")

	metas, err := store.List("proj1")
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestStore_Cleanup_RemovesRuntimeDir(t *testing.T) {
	store, storageDir := newTestStore(t)
	ws := filepath.Join(storageDir, "workspace")
	writeFile(t, filepath.Join(ws, "src", "App.tsx"), "v1")
	_, err := store.Create("run1", "proj1", 0, ws)
	require.NoError(t, err)

	dir, err := store.Extract("proj1", 0)
	require.NoError(t, err)
	require.NoError(t, store.Cleanup("proj1", 0))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
