// Package sandbox owns the two keyed pools of preview development-server
// subprocesses (current and historical), their full lifecycle, and the
// single-owner actor that serializes every mutation of the process maps.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/refineloop/internal/domain"
)

// readySentinels are the dev-server output substrings that signal the
// process has bound its port and is serving.
var readySentinels = []string{"Ready in", "✓ Ready", "Local:"}

const (
	readinessTimeout   = 120 * time.Second
	gracefulKillWindow = 5 * time.Second
)

// process is the manager's internal record for one subprocess,
// including the handle needed to kill its process group. info and cmd
// are guarded by mu because the startup goroutine mutates them
// concurrently with the manager's owner-loop reads (status polls,
// eviction scans, reaping) — the owner loop still exclusively owns
// insertion/removal from the current/historical maps, but a single
// process record's own fields need their own lock.
type process struct {
	mu   sync.Mutex
	info domain.PreviewProcess
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *process) snapshotInfo() domain.PreviewProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *process) touch() {
	p.mu.Lock()
	p.info.LastAccessedAt = time.Now()
	p.mu.Unlock()
}

func (p *process) setStatus(status domain.PreviewStatus, errMsg string) {
	p.mu.Lock()
	p.info.Status = status
	if errMsg != "" {
		p.info.Error = errMsg
	}
	p.mu.Unlock()
}

func (p *process) cmdHandle() *exec.Cmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd
}

// freePort asks the OS for an ephemeral TCP port and releases it
// immediately; the dev server binds the same port a moment later. This
// is a best-effort reservation; ephemeral OS assignment means retry on
// a race here is not needed.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// scrubbedEnv returns a copy of the parent environment with
// process-loader injection hints removed and PATH reset to known
// binary directories plus the user's local tools directory.
func scrubbedEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		key := strings.SplitN(kv, "=", 2)[0]
		switch key {
		case "NODE_OPTIONS", "NODE_PRELOAD", "LD_PRELOAD", "PATH":
			continue
		default:
			out = append(out, kv)
		}
	}
	home, _ := os.UserHomeDir()
	path := strings.Join([]string{
		"/usr/local/bin", "/usr/bin", "/bin",
		filepath.Join(home, ".local", "bin"),
	}, string(os.PathListSeparator))
	out = append(out, "PATH="+path)
	return out
}

// sufficientMemory samples host memory via gopsutil and reports whether
// the available percentage is at or above floorPercent. It never
// inspects a running process's own memory, only host headroom at spawn
// time.
func sufficientMemory(floorPercent float64) (ok bool, availablePercent float64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return true, 0, fmt.Errorf("sample host memory: %w", err)
	}
	available := 100 - v.UsedPercent
	return available >= floorPercent, available, nil
}

// startupDeps bundles the settings a startup needs besides the
// workspace: the template directory used for self-heal and the logger.
type startupDeps struct {
	templateDir string
	log         zerolog.Logger
}

// runStartup executes the five-step startup sequence for one process,
// updating p's guarded fields in place and closing p.done when the
// outcome (ready or error) is reached. It is always run on its own
// goroutine, started by the manager's actor loop.
func runStartup(ctx context.Context, workspaceDir string, deps startupDeps, p *process, onReady, onError func()) {
	defer close(p.done)

	manifestPath := filepath.Join(workspaceDir, "package.json")
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		if deps.templateDir == "" {
			p.setStatus(domain.PreviewError, "no package manifest")
			onError()
			return
		}
		if err := copyTemplate(deps.templateDir, workspaceDir); err != nil {
			p.setStatus(domain.PreviewError, fmt.Sprintf("self-heal template copy failed: %v", err))
			onError()
			return
		}
	}

	depsDir := filepath.Join(workspaceDir, "node_modules")
	if _, err := os.Stat(depsDir); os.IsNotExist(err) {
		installCmd := exec.CommandContext(ctx, "npm", "install")
		installCmd.Dir = workspaceDir
		installCmd.Env = scrubbedEnv()
		out, err := installCmd.CombinedOutput()
		if err != nil {
			p.setStatus(domain.PreviewError, fmt.Sprintf("install failed: %v: %s", err, tail(string(out), 2000)))
			onError()
			return
		}
	}

	port := p.snapshotInfo().Port
	cmd := exec.CommandContext(ctx, "npm", "run", "dev", "--", "--port", fmt.Sprintf("%d", port))
	cmd.Dir = workspaceDir
	cmd.Env = scrubbedEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.setStatus(domain.PreviewError, fmt.Sprintf("stdout pipe: %v", err))
		onError()
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.setStatus(domain.PreviewError, fmt.Sprintf("stderr pipe: %v", err))
		onError()
		return
	}

	if err := cmd.Start(); err != nil {
		p.setStatus(domain.PreviewError, fmt.Sprintf("spawn failed: %v", err))
		onError()
		return
	}

	p.mu.Lock()
	p.cmd = cmd
	p.info.PID = cmd.Process.Pid
	p.info.Status = domain.PreviewStarting
	p.mu.Unlock()

	readyCh := make(chan struct{}, 1)
	exitCh := make(chan error, 1)

	go watchOutput(stdout, readyCh)
	go watchOutput(stderr, readyCh)
	go func() { exitCh <- cmd.Wait() }()

	timeout := time.NewTimer(readinessTimeout)
	defer timeout.Stop()

	select {
	case <-readyCh:
		p.mu.Lock()
		p.info.Status = domain.PreviewReady
		p.info.PreviewURL = fmt.Sprintf("http://127.0.0.1:%d", port)
		p.mu.Unlock()
		onReady()
	case err := <-exitCh:
		p.setStatus(domain.PreviewError, fmt.Sprintf("dev server exited before ready: %v", err))
		onError()
	case <-timeout.C:
		killProcessGroup(cmd)
		p.setStatus(domain.PreviewError, "readiness timeout")
		onError()
	case <-ctx.Done():
		killProcessGroup(cmd)
		p.setStatus(domain.PreviewError, "startup cancelled")
		onError()
	}
}

func watchOutput(r io.Reader, readyCh chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, sentinel := range readySentinels {
			if strings.Contains(line, sentinel) {
				select {
				case readyCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func copyTemplate(templateDir, workspaceDir string) error {
	return filepath.Walk(templateDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(workspaceDir, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, info.Mode())
	})
}

// killProcessGroup sends SIGTERM to the whole process group, then
// SIGKILL after gracefulKillWindow if it is still alive. Required
// because the dev server spawns worker processes that do not exit on a
// signal to the direct child alone.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(gracefulKillWindow)
		// Swallow errors: the process may already be dead.
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}
