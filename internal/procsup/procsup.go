//go:build !windows
// +build !windows

// Package procsup spawns PTY-backed children in their own process group and
// signals, writes to and reaps them. It knows nothing about sessions.
package procsup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var procLog = logging.ForComponent(logging.CompProcess)

var (
	// ErrSpawnFailure wraps every error returned by Spawn.
	ErrSpawnFailure = errors.New("spawn failure")

	// ErrNotRunning is returned for writes or resizes on a group the
	// supervisor is not tracking (never spawned, or already reaped).
	ErrNotRunning = errors.New("process not running")
)

// Spec describes a child to spawn.
type Spec struct {
	Executable string
	Args       []string
	// Env is appended to the current environment.
	Env  []string
	Dir  string
	Rows uint16
	Cols uint16
}

// Process is a running PTY child. The group id equals the child's pid
// because the child is started as a session leader.
type Process struct {
	PGID      int
	StartedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	done     chan struct{}
	exitErr  error
	hangOnce sync.Once
}

// Output returns the PTY master for reading child output.
func (p *Process) Output() io.Reader { return p.ptmx }

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the child's exit status, or -1 if it has not exited or
// was killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Err returns the error from Wait once Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Hangup closes the PTY master. The kernel delivers SIGHUP to the child's
// foreground group, and further reads return an error.
func (p *Process) Hangup() error {
	var err error
	p.hangOnce.Do(func() { err = p.ptmx.Close() })
	return err
}

// Supervisor tracks the children it spawned until they are reaped.
type Supervisor struct {
	mu    sync.Mutex
	procs map[int]*Process
}

// New returns an empty supervisor.
func New() *Supervisor {
	return &Supervisor{procs: make(map[int]*Process)}
}

// Spawn starts spec under a new PTY and process group.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	if spec.Executable == "" {
		return nil, fmt.Errorf("%w: empty executable", ErrSpawnFailure)
	}

	path, err := exec.LookPath(spec.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(os.Environ(), spec.Env)

	rows, cols := spec.Rows, spec.Cols
	if rows == 0 {
		rows = 40
	}
	if cols == 0 {
		cols = 120
	}

	// pty.StartWithSize sets Setsid and Setctty, so the child leads a new
	// session and process group.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		procLog.Error("spawn_failed",
			slog.String("exe", spec.Executable),
			slog.String("dir", spec.Dir),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	p := &Process{
		PGID:      cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[p.PGID] = p
	s.mu.Unlock()

	go s.reap(p)

	procLog.Info("process_spawned",
		slog.Int("pgid", p.PGID),
		slog.String("exe", spec.Executable),
		slog.String("dir", spec.Dir))
	return p, nil
}

func (s *Supervisor) reap(p *Process) {
	err := p.cmd.Wait()

	s.mu.Lock()
	if s.procs[p.PGID] == p {
		delete(s.procs, p.PGID)
	}
	s.mu.Unlock()

	p.exitErr = err
	close(p.done)

	procLog.Info("process_reaped",
		slog.Int("pgid", p.PGID),
		slog.Int("exit_code", p.cmd.ProcessState.ExitCode()),
		slog.Duration("lifetime", time.Since(p.StartedAt)))
}

func (s *Supervisor) lookup(pgid int) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pgid]
	return p, ok
}

// Write sends b to the child's terminal input.
func (s *Supervisor) Write(pgid int, b []byte) error {
	p, ok := s.lookup(pgid)
	if !ok {
		return ErrNotRunning
	}
	for len(b) > 0 {
		n, err := p.ptmx.Write(b)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return ErrNotRunning
			}
			return fmt.Errorf("procsup: write %d: %w", pgid, err)
		}
		b = b[n:]
	}
	return nil
}

// Resize changes the PTY window size.
func (s *Supervisor) Resize(pgid int, rows, cols uint16) error {
	p, ok := s.lookup(pgid)
	if !ok {
		return ErrNotRunning
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("procsup: resize %d: %w", pgid, err)
	}
	return nil
}

// Signal delivers sig to every process in the group.
func (s *Supervisor) Signal(pgid int, sig syscall.Signal) error {
	return SignalGroup(pgid, sig)
}

// IsAlive reports whether any process in the group still exists.
func (s *Supervisor) IsAlive(pgid int) bool {
	return GroupAlive(pgid)
}

// Tracked returns the number of unreaped children.
func (s *Supervisor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// SignalGroup sends sig to the process group pgid. A group that no longer
// exists is not an error.
func SignalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 1 {
		return fmt.Errorf("procsup: refusing to signal group %d", pgid)
	}
	if err := syscall.Kill(-pgid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("procsup: signal %v to group %d: %w", sig, pgid, err)
	}
	return nil
}

// GroupAlive probes the group with signal 0. EPERM means the group exists
// but belongs to someone else, which still counts as alive.
func GroupAlive(pgid int) bool {
	if pgid <= 1 {
		return false
	}
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func buildEnv(base, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra)+1)
	env = append(env, base...)
	env = append(env, extra...)
	hasTerm := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			hasTerm = true
		}
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	return env
}
