// Package bridge binds one session to one PTY child. It owns the child's
// read loop and the order in which the child is torn down.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/launcher"
	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/procsup"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

var (
	// ErrClosed is returned by every operation after Teardown.
	ErrClosed = errors.New("bridge closed")

	// ErrAlreadyRunning rejects a second Launch on the same bridge.
	ErrAlreadyRunning = errors.New("bridge already has a live process")
)

const (
	defaultEventBuffer    = 256
	defaultStaleScanBytes = 8 * 1024
	readChunk             = 32 * 1024
)

// EventKind discriminates Event.
type EventKind int

const (
	EventOutput EventKind = iota
	EventToken
	EventStale
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventToken:
		return "token"
	case EventStale:
		return "stale"
	case EventExit:
		return "exit"
	}
	return "unknown"
}

// Event is delivered in order on Events().
type Event struct {
	Kind EventKind
	// Data is the output chunk for EventOutput. It is owned by the receiver.
	Data []byte
	// Token is the discovered conversation id for EventToken.
	Token string
	// Substituted marks an EventToken whose resume target was missing, so
	// a new conversation was started under the same id.
	Substituted bool
	// ExitCode is set for EventExit; -1 when killed by a signal.
	ExitCode int
	Err      error
}

// Spawner is the subset of procsup.Supervisor the bridge drives.
type Spawner interface {
	Spawn(ctx context.Context, spec procsup.Spec) (*procsup.Process, error)
	Write(pgid int, b []byte) error
	Resize(pgid int, rows, cols uint16) error
}

// Tracker is the subset of registry.Registry the bridge drives.
type Tracker interface {
	Register(pgid int) error
	Unregister(pgid int)
	TerminateGracefully(ctx context.Context, pgid int, timeout time.Duration) error
}

// Config wires a bridge to its collaborators.
type Config struct {
	Spawner  Spawner
	Registry Tracker
	// Launcher builds agent commands. Nil rejects agent launches.
	Launcher         launcher.Launcher
	TerminateTimeout time.Duration
	EventBuffer      int
	// StaleScanBytes bounds how much early output of a resumed child is
	// searched for "not found" messages.
	StaleScanBytes int
}

// LaunchRequest describes one child.
type LaunchRequest struct {
	Dir   string
	Rows  uint16
	Cols  uint16
	Shell string
	Env   []string

	// Agent selects agent mode; nil launches a plain shell.
	Agent *launcher.LaunchSpec
	// Exclude holds tokens owned by other sessions, skipped by discovery.
	Exclude map[string]bool
}

// Bridge is single-use: one Launch, then one Teardown.
type Bridge struct {
	cfg Config

	mu     sync.Mutex
	proc   *procsup.Process
	closed bool

	events  chan Event
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	tearErr error
}

// New returns an idle bridge.
func New(cfg Config) *Bridge {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.StaleScanBytes <= 0 {
		cfg.StaleScanBytes = defaultStaleScanBytes
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 3 * time.Second
	}
	return &Bridge{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		stop:   make(chan struct{}),
	}
}

// Events is closed after the read loop and token discovery have finished.
func (b *Bridge) Events() <-chan Event { return b.events }

// PGID returns the child's process group, or 0 before launch.
func (b *Bridge) PGID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil {
		return 0
	}
	return b.proc.PGID
}

// Alive reports whether the child is launched, not reaped and not torn
// down.
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	p, closed := b.proc, b.closed
	b.mu.Unlock()
	if p == nil || closed {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// Launch spawns the child and starts the read loop.
func (b *Bridge) Launch(ctx context.Context, req LaunchRequest) (*procsup.Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.proc != nil {
		return nil, ErrAlreadyRunning
	}

	cmd, err := b.command(req)
	if err != nil {
		return nil, err
	}

	proc, err := b.cfg.Spawner.Spawn(ctx, procsup.Spec{
		Executable: cmd.Executable,
		Args:       cmd.Args,
		Env:        append(append([]string(nil), req.Env...), cmd.Env...),
		Dir:        req.Dir,
		Rows:       req.Rows,
		Cols:       req.Cols,
	})
	if err != nil {
		return nil, err
	}
	if err := b.cfg.Registry.Register(proc.PGID); err != nil {
		// A pgid collision means an untracked group; do not leave ours running.
		_ = proc.Hangup()
		_ = procsup.SignalGroup(proc.PGID, syscall.SIGKILL)
		return nil, fmt.Errorf("bridge: register %d: %w", proc.PGID, err)
	}
	b.proc = proc

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	scanStale := req.Agent != nil && !cmd.Substituted && (req.Agent.ResumeToken != "" || req.Agent.Continue)
	b.wg.Add(1)
	go b.readLoop(proc, scanStale)

	if req.Agent != nil {
		b.wg.Add(1)
		go b.resolveToken(runCtx, proc, cmd, req)
	}

	go func() {
		b.wg.Wait()
		close(b.events)
	}()

	bridgeLog.Info("bridge_launched",
		slog.Int("pgid", proc.PGID),
		slog.String("dir", req.Dir),
		slog.Bool("agent", req.Agent != nil))
	return proc, nil
}

func (b *Bridge) command(req LaunchRequest) (launcher.Command, error) {
	if req.Agent == nil {
		return launcher.ShellCommand(req.Shell), nil
	}
	if b.cfg.Launcher == nil {
		return launcher.Command{}, fmt.Errorf("bridge: %w: no agent launcher configured", procsup.ErrSpawnFailure)
	}
	cmd, err := b.cfg.Launcher.Command(*req.Agent)
	if err != nil {
		return launcher.Command{}, fmt.Errorf("bridge: build command: %w", err)
	}
	return cmd, nil
}

// deliver drops ev once the gate is closed.
func (b *Bridge) deliver(ev Event) bool {
	select {
	case <-b.stop:
		return false
	default:
	}
	select {
	case b.events <- ev:
		return true
	case <-b.stop:
		return false
	}
}

func (b *Bridge) readLoop(proc *procsup.Process, scanStale bool) {
	defer b.wg.Done()

	var (
		early    []byte
		patterns []string
	)
	if scanStale && b.cfg.Launcher != nil {
		patterns = b.cfg.Launcher.StalePatterns()
	}

	out := proc.Output()
	buf := make([]byte, readChunk)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			logging.Aggregate(logging.CompBridge, "pty_output", slog.Int("pgid", proc.PGID))

			if patterns != nil {
				early = append(early, chunk...)
				if launcher.IsStale(early, patterns) {
					bridgeLog.Warn("stale_session_output", slog.Int("pgid", proc.PGID))
					patterns = nil
					early = nil
					b.deliver(Event{Kind: EventOutput, Data: chunk})
					b.deliver(Event{Kind: EventStale, Err: launcher.ErrStaleSession})
					continue
				}
				if len(early) >= b.cfg.StaleScanBytes {
					patterns, early = nil, nil
				}
			}
			b.deliver(Event{Kind: EventOutput, Data: chunk})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				bridgeLog.Debug("pty_read_ended", slog.Int("pgid", proc.PGID), slog.String("error", err.Error()))
			}
			break
		}
	}

	<-proc.Done()
	code := proc.ExitCode()
	bridgeLog.Info("process_exited", slog.Int("pgid", proc.PGID), slog.Int("exit_code", code))
	b.deliver(Event{Kind: EventExit, ExitCode: code, Err: proc.Err()})

	// Natural exit funnels through the same teardown as an explicit close.
	go func() { _ = b.Teardown(context.Background()) }()
}

func (b *Bridge) resolveToken(ctx context.Context, proc *procsup.Process, cmd launcher.Command, req LaunchRequest) {
	defer b.wg.Done()

	if cmd.Token != "" {
		if cmd.Substituted {
			bridgeLog.Warn("resume_target_substituted", slog.Int("pgid", proc.PGID), slog.String("token", cmd.Token))
		}
		b.deliver(Event{Kind: EventToken, Token: cmd.Token, Substituted: cmd.Substituted})
		return
	}
	token, err := b.cfg.Launcher.DiscoverToken(ctx, launcher.DiscoverRequest{
		PGID:    proc.PGID,
		Dir:     req.Dir,
		Since:   proc.StartedAt,
		Exclude: req.Exclude,
	})
	switch {
	case err == nil:
		b.deliver(Event{Kind: EventToken, Token: token})
	case errors.Is(err, launcher.ErrStaleSession):
		bridgeLog.Warn("token_discovery_timeout", slog.Int("pgid", proc.PGID))
		b.deliver(Event{Kind: EventStale, Err: err})
	default:
		bridgeLog.Debug("token_discovery_aborted", slog.Int("pgid", proc.PGID), slog.String("error", err.Error()))
	}
}

// Write sends raw bytes to the child's input.
func (b *Bridge) Write(p []byte) error {
	b.mu.Lock()
	proc, closed := b.proc, b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if proc == nil {
		return procsup.ErrNotRunning
	}
	return b.cfg.Spawner.Write(proc.PGID, p)
}

// Resize changes the PTY window size.
func (b *Bridge) Resize(rows, cols uint16) error {
	b.mu.Lock()
	proc, closed := b.proc, b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if proc == nil {
		return procsup.ErrNotRunning
	}
	return b.cfg.Spawner.Resize(proc.PGID, rows, cols)
}

// Teardown stops event delivery, hangs up the PTY and then terminates the
// process group. It runs once; concurrent and later calls block until the
// first finishes and return its result.
func (b *Bridge) Teardown(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.stop)
		proc := b.proc
		cancel := b.cancel
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if proc == nil {
			// Never launched: nothing will ever send.
			close(b.events)
			return
		}

		if err := proc.Hangup(); err != nil {
			bridgeLog.Debug("pty_hangup_failed", slog.Int("pgid", proc.PGID), slog.String("error", err.Error()))
		}
		if err := b.cfg.Registry.TerminateGracefully(ctx, proc.PGID, b.cfg.TerminateTimeout); err != nil {
			bridgeLog.Warn("terminate_escalated", slog.Int("pgid", proc.PGID), slog.String("error", err.Error()))
			b.tearErr = err
		}
		bridgeLog.Info("bridge_torn_down", slog.Int("pgid", proc.PGID))
	})
	return b.tearErr
}
