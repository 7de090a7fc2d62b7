package sandbox

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/refineloop/internal/domain"
)

// newTestManager builds a Manager with its maps initialized but its
// owner goroutine NOT started, so tests can call the unexported
// handlers directly and deterministically without racing the real
// actor loop or spawning real subprocesses.
func newTestManager(poolSize int) *Manager {
	return &Manager{
		cfg: Config{
			HistoricalPoolSize: poolSize,
			CurrentTTL:         30 * time.Minute,
			HistoricalTTL:      10 * time.Minute,
		},
		log:        zerolog.Nop(),
		current:    make(map[string]*process),
		historical: make(map[historicalKey]*process),
	}
}

func fakeProcess(status domain.PreviewStatus, lastAccessed time.Time) *process {
	return &process{info: domain.PreviewProcess{Status: status, LastAccessedAt: lastAccessed}}
}

func TestStatusCurrent_UnknownProjectReturnsStopped(t *testing.T) {
	m := newTestManager(2)
	resp := m.handleStatusCurrent("nope")
	assert.Equal(t, domain.PreviewStopped, resp.snapshot.Status)
}

func TestEvictIfOverCapacity_EvictsLeastRecentlyAccessed(t *testing.T) {
	m := newTestManager(2)
	now := time.Now()
	m.historical[historicalKey{"p", 0}] = fakeProcess(domain.PreviewReady, now.Add(-3*time.Minute))
	m.historical[historicalKey{"p", 1}] = fakeProcess(domain.PreviewReady, now.Add(-1*time.Minute))

	m.evictIfOverCapacity()

	_, stillThere0 := m.historical[historicalKey{"p", 0}]
	_, stillThere1 := m.historical[historicalKey{"p", 1}]
	assert.False(t, stillThere0)
	assert.True(t, stillThere1)
}

func TestEvictIfOverCapacity_NoEvictionUnderCapacity(t *testing.T) {
	m := newTestManager(2)
	m.historical[historicalKey{"p", 0}] = fakeProcess(domain.PreviewReady, time.Now())
	m.evictIfOverCapacity()
	require.Len(t, m.historical, 1)
}

func TestEvictIfOverCapacity_IgnoresTerminalProcesses(t *testing.T) {
	m := newTestManager(2)
	now := time.Now()
	m.historical[historicalKey{"p", 0}] = fakeProcess(domain.PreviewError, now.Add(-5*time.Minute))
	m.historical[historicalKey{"p", 1}] = fakeProcess(domain.PreviewReady, now.Add(-3*time.Minute))
	m.evictIfOverCapacity()
	// Only one non-terminal entry exists, so no eviction should occur.
	require.Len(t, m.historical, 2)
}

func TestReap_RemovesExpiredReadyProcesses(t *testing.T) {
	m := newTestManager(2)
	m.cfg.CurrentTTL = 1 * time.Millisecond
	m.current["p"] = fakeProcess(domain.PreviewReady, time.Now().Add(-time.Hour))
	m.reap()
	_, ok := m.current["p"]
	assert.False(t, ok)
}

func TestReap_KeepsFreshProcesses(t *testing.T) {
	m := newTestManager(2)
	m.current["p"] = fakeProcess(domain.PreviewReady, time.Now())
	m.reap()
	_, ok := m.current["p"]
	assert.True(t, ok)
}

func TestReap_IgnoresNonReadyProcesses(t *testing.T) {
	m := newTestManager(2)
	m.cfg.CurrentTTL = 1 * time.Millisecond
	m.current["p"] = fakeProcess(domain.PreviewInstalling, time.Now().Add(-time.Hour))
	m.reap()
	_, ok := m.current["p"]
	assert.True(t, ok)
}

func TestFreePort_ReturnsUsablePort(t *testing.T) {
	port, err := freePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

func TestScrubbedEnv_DropsLoaderHintsAndResetsPath(t *testing.T) {
	env := scrubbedEnv()
	for _, kv := range env {
		assert.NotContains(t, kv, "NODE_OPTIONS=")
		assert.NotContains(t, kv, "LD_PRELOAD=")
	}
	var sawPath bool
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			sawPath = true
		}
	}
	assert.True(t, sawPath)
}
