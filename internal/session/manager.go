// Package session owns the set of open terminal sessions: creation under a
// capacity limit, orphan recovery at startup, per-session event loops,
// prompt dispatch and the state snapshots the UI renders.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/ptydeck/internal/activity"
	"github.com/asheshgoplani/ptydeck/internal/bridge"
	"github.com/asheshgoplani/ptydeck/internal/config"
	"github.com/asheshgoplani/ptydeck/internal/dispatch"
	"github.com/asheshgoplani/ptydeck/internal/launcher"
	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/metrics"
	"github.com/asheshgoplani/ptydeck/internal/procsup"
	"github.com/asheshgoplani/ptydeck/internal/registry"
	"github.com/asheshgoplani/ptydeck/internal/scroll"
	"github.com/asheshgoplani/ptydeck/internal/statedb"
	"github.com/asheshgoplani/ptydeck/internal/terminal"
)

var sessionLog = logging.ForComponent(logging.CompSession)

var (
	ErrCapacityExceeded  = errors.New("session capacity exceeded")
	ErrNotFound          = errors.New("session not found")
	ErrInvalidLaunchMode = errors.New("invalid launch mode")
	ErrAmbiguous         = errors.New("ambiguous session reference")
	ErrInvalidSize       = errors.New("invalid terminal size")

	// Re-exported so callers need only this package for errors.Is.
	ErrSpawnFailure        = procsup.ErrSpawnFailure
	ErrStaleSession        = launcher.ErrStaleSession
	ErrDispatchUnavailable = dispatch.ErrDispatchUnavailable
	ErrTerminationTimeout  = registry.ErrTerminationTimeout
)

// Terminal size bounds accepted from callers. The PTY takes uint16
// dimensions and the emulator allocates rows x cols cells.
const (
	MaxRows = 1000
	MaxCols = 1000
)

// ValidateSize rejects sizes outside 1..MaxRows x 1..MaxCols.
func ValidateSize(rows, cols int) error {
	if rows <= 0 || cols <= 0 || rows > MaxRows || cols > MaxCols {
		return fmt.Errorf("session: %dx%d: %w (1..%d rows, 1..%d cols)", rows, cols, ErrInvalidSize, MaxRows, MaxCols)
	}
	return nil
}

// Store persists session records.
type Store interface {
	LoadSessions() ([]statedb.SessionRow, error)
	SaveSessions(rows []statedb.SessionRow) error
	TouchSession(id string, at time.Time) error
}

// Registry is the process ledger the manager recovers and the bridges
// register with.
type Registry interface {
	bridge.Tracker
	RecoverOrphans(ctx context.Context, timeout time.Duration) (registry.RecoveryReport, error)
	Len() int
}

// Deps are the manager's collaborators. Store, Registry and Spawner are
// required.
type Deps struct {
	Config     *config.UserConfig
	Store      Store
	Registry   Registry
	Spawner    bridge.Spawner
	Launcher   launcher.Launcher
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics

	// NewEmulator defaults to a midterm-backed terminal.VT.
	NewEmulator func(rows, cols, scrollback int) terminal.Emulator
	// Now defaults to time.Now.
	Now func() time.Time
	// TickInterval drives condense evaluation (default 1s).
	TickInterval time.Duration
	// TouchInterval throttles last-activity writes per session (default 5s).
	TouchInterval time.Duration
}

// NoticeKind classifies a Notice.
type NoticeKind int

const (
	// NoticeStaleFallback: a resume target was gone and the session was
	// relaunched fresh.
	NoticeStaleFallback NoticeKind = iota
	// NoticeExited: a session's child exited on its own.
	NoticeExited
	// NoticeRelaunchFailed: the fresh relaunch after a stale resume failed.
	NoticeRelaunchFailed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeStaleFallback:
		return "stale_fallback"
	case NoticeExited:
		return "exited"
	case NoticeRelaunchFailed:
		return "relaunch_failed"
	}
	return "unknown"
}

func (k NoticeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Notice is an explicit notification for the UI.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	SessionID string     `json:"session_id"`
	Message   string     `json:"message"`
	At        time.Time  `json:"at"`
}

// CreateOptions describes a new session.
type CreateOptions struct {
	Name        string
	Dir         string
	ProjectPath string
	Mode        LaunchMode
	Rows        int
	Cols        int

	// id reuses a persisted record's id on resume.
	id        string
	createdAt time.Time
}

// Manager owns every session. Construct with NewManager.
type Manager struct {
	cfg        *config.UserConfig
	store      Store
	registry   Registry
	spawner    bridge.Spawner
	launcher   launcher.Launcher
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	newEmu     func(rows, cols, scrollback int) terminal.Emulator
	now        func() time.Time
	tick       time.Duration
	touchEvery time.Duration

	recoverOnce sync.Once
	recovery    registry.RecoveryReport

	notices chan Notice

	mu       sync.RWMutex
	sessions map[string]*Session
	records  map[string]statedb.SessionRow
	// launching reserves ids whose launch is in flight.
	launching map[string]struct{}
	pending   int
	active    string
	closed    bool
}

// NewManager recovers orphaned process groups and loads persisted session
// records. No session can be created before recovery completes.
func NewManager(ctx context.Context, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Spawner == nil {
		return nil, errors.New("session: store, registry and spawner are required")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.UserConfig{}
	}
	m := &Manager{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		spawner:    deps.Spawner,
		launcher:   deps.Launcher,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		newEmu:     deps.NewEmulator,
		now:        deps.Now,
		tick:       deps.TickInterval,
		touchEvery: deps.TouchInterval,
		notices:    make(chan Notice, 64),
		sessions:   make(map[string]*Session),
		records:    make(map[string]statedb.SessionRow),
		launching:  make(map[string]struct{}),
	}
	if m.dispatcher == nil {
		perSecond, burst := cfg.Dispatch.GetRate()
		m.dispatcher = dispatch.New(dispatch.Config{
			PasteSettle:   cfg.Dispatch.GetPasteSettle(),
			SubmitSettle:  cfg.Dispatch.GetSubmitSettle(),
			RatePerSecond: perSecond,
			Burst:         burst,
		})
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	if m.newEmu == nil {
		m.newEmu = func(rows, cols, scrollback int) terminal.Emulator {
			return terminal.NewVT(terminal.Options{Rows: rows, Cols: cols, MaxScrollback: scrollback})
		}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.tick <= 0 {
		m.tick = time.Second
	}
	if m.touchEvery <= 0 {
		m.touchEvery = 5 * time.Second
	}

	if err := m.recoverOrphans(ctx); err != nil {
		return nil, err
	}

	rows, err := m.store.LoadSessions()
	if err != nil {
		return nil, fmt.Errorf("session: load records: %w", err)
	}
	for _, r := range rows {
		m.records[r.ID] = r
	}
	sessionLog.Info("manager_ready",
		slog.Int("records", len(rows)),
		slog.Int("orphans_terminated", len(m.recovery.Terminated)),
		slog.Int("stale_entries_dropped", len(m.recovery.Dropped)))
	return m, nil
}

func (m *Manager) recoverOrphans(ctx context.Context) error {
	var err error
	m.recoverOnce.Do(func() {
		m.recovery, err = m.registry.RecoverOrphans(ctx, m.cfg.Sessions.GetTerminateTimeout())
		m.metrics.OrphansRecovered.WithLabelValues("terminated").Add(float64(len(m.recovery.Terminated)))
		m.metrics.OrphansRecovered.WithLabelValues("dropped").Add(float64(len(m.recovery.Dropped)))
		m.metrics.OrphansRecovered.WithLabelValues("forced").Add(float64(len(m.recovery.Forced)))
		m.metrics.RegistryEntries.Set(float64(m.registry.Len()))
	})
	if err != nil {
		return fmt.Errorf("session: recover orphans: %w", err)
	}
	return nil
}

// Recovery returns what startup orphan recovery did.
func (m *Manager) Recovery() registry.RecoveryReport { return m.recovery }

// Notices delivers stale-fallback and exit notifications. Undrained
// notices are dropped once the buffer is full.
func (m *Manager) Notices() <-chan Notice { return m.notices }

// Metrics returns the manager's collectors.
func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

func (m *Manager) notify(n Notice) {
	n.At = m.now()
	select {
	case m.notices <- n:
	default:
		sessionLog.Warn("notice_dropped", slog.String("session", n.SessionID), slog.String("kind", n.Kind.String()))
	}
}

func (m *Manager) liveCountLocked() int {
	n := m.pending
	for _, s := range m.sessions {
		if s.live() {
			n++
		}
	}
	return n
}

// Create launches a new session.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if err := opts.Mode.Validate(); err != nil {
		return nil, err
	}
	// Zero selects the configured default size.
	if opts.Rows != 0 || opts.Cols != 0 {
		rows, cols := opts.Rows, opts.Cols
		defRows, defCols := m.cfg.Sessions.GetSize()
		if rows == 0 {
			rows = defRows
		}
		if cols == 0 {
			cols = defCols
		}
		if err := ValidateSize(rows, cols); err != nil {
			return nil, err
		}
	}

	limit := m.cfg.Sessions.GetMaxSessions()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("session: manager closed")
	}
	if m.liveCountLocked() >= limit {
		m.mu.Unlock()
		m.metrics.CapacityDenied.Inc()
		return nil, fmt.Errorf("session: %w (max %d)", ErrCapacityExceeded, limit)
	}
	if opts.id != "" {
		_, busy := m.launching[opts.id]
		if s, ok := m.sessions[opts.id]; busy || (ok && s.live()) {
			m.mu.Unlock()
			return nil, fmt.Errorf("session %s: %w", opts.id, bridge.ErrAlreadyRunning)
		}
		m.launching[opts.id] = struct{}{}
	}
	m.pending++
	exclude := m.tokensInDirLocked(opts.Dir)
	m.mu.Unlock()

	s, err := m.launch(ctx, opts, exclude)

	m.mu.Lock()
	m.pending--
	if opts.id != "" {
		delete(m.launching, opts.id)
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[s.ID] = s
	m.records[s.ID] = s.row()
	if m.active == "" {
		m.active = s.ID
	}
	m.mu.Unlock()

	go m.consume(s, s.bridge)

	m.metrics.SessionsCreated.WithLabelValues(opts.Mode.Kind.String()).Inc()
	m.refreshGauges()
	m.persist()
	return s, nil
}

func (m *Manager) tokensInDirLocked(dir string) map[string]bool {
	out := make(map[string]bool)
	for _, s := range m.sessions {
		s.mu.RLock()
		if s.token != "" && s.dir == dir {
			out[s.token] = true
		}
		s.mu.RUnlock()
	}
	return out
}

func (m *Manager) launch(ctx context.Context, opts CreateOptions, exclude map[string]bool) (*Session, error) {
	now := m.now()
	dir := opts.Dir
	if dir == "" {
		dir, _ = os.UserHomeDir()
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	name := opts.Name
	if name == "" {
		name = defaultName(dir, m.takenNames())
	}
	id := opts.id
	if id == "" {
		id = uuid.NewString()
	}
	created := opts.createdAt
	if created.IsZero() {
		created = now
	}

	defRows, defCols := m.cfg.Sessions.GetSize()
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = defRows
	}
	if cols <= 0 {
		cols = defCols
	}

	emu := m.newEmu(rows, cols, m.cfg.Sessions.GetScrollbackLines())
	after := m.cfg.Condense.GetAfter()
	if !m.cfg.Condense.GetEnabled() {
		after = 0
	}
	s := &Session{
		ID:          id,
		name:        name,
		dir:         dir,
		projectPath: opts.ProjectPath,
		mode:        opts.Mode,
		createdAt:   created,
		lastActive:  now,
		status:      StatusStarting,
		token:       opts.Mode.ResumeToken,
		emu:         emu,
		scroll:      scroll.New(emu),
		condense:    activity.NewCondenser(after, now),
		subs:        make(map[chan []byte]struct{}),
		touches:     rate.NewLimiter(rate.Every(m.touchEvery), 1),
	}
	emu.OnScroll(s.scroll.UserScrolled)

	b, err := m.startBridge(ctx, s, opts.Mode, uint16(rows), uint16(cols), exclude)
	if err != nil {
		sessionLog.Error("session_launch_failed",
			slog.String("session", id),
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("session: launch %s: %w", name, err)
	}
	s.bridge = b

	sessionLog.Info("session_created",
		slog.String("session", id),
		slog.String("name", name),
		slog.String("mode", opts.Mode.Kind.String()),
		slog.Int("pgid", b.PGID()))
	return s, nil
}

func (m *Manager) startBridge(ctx context.Context, s *Session, mode LaunchMode, rows, cols uint16, exclude map[string]bool) (*bridge.Bridge, error) {
	b := bridge.New(bridge.Config{
		Spawner:          m.spawner,
		Registry:         m.registry,
		Launcher:         m.launcher,
		TerminateTimeout: m.cfg.Sessions.GetTerminateTimeout(),
	})
	_, err := b.Launch(ctx, bridge.LaunchRequest{
		Dir:     s.dir,
		Rows:    rows,
		Cols:    cols,
		Shell:   m.cfg.Sessions.Shell,
		Env:     []string{"PTYDECK_SESSION_ID=" + s.ID},
		Agent:   mode.agentSpec(s.dir),
		Exclude: exclude,
	})
	if err != nil {
		_ = b.Teardown(context.Background())
		return nil, err
	}
	return b, nil
}

// Resume relaunches a persisted record: its token as resume target, or
// continue when no token was ever discovered.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	mode := ShellMode()
	if r.Mode == ModeAgent.String() {
		mode = LaunchMode{Kind: ModeAgent, SkipConfirmation: r.SkipConfirmation}
		if r.ExternalToken != "" {
			mode.ResumeToken = r.ExternalToken
		} else {
			mode.Continue = true
		}
	}
	return m.Create(ctx, CreateOptions{
		Name:        r.Name,
		Dir:         r.WorkingDir,
		ProjectPath: r.ProjectPath,
		Mode:        mode,
		id:          r.ID,
		createdAt:   r.CreatedAt,
	})
}

// RestoreAll resumes every persisted record that is not already open, up
// to capacity. Failures are logged and skipped.
func (m *Manager) RestoreAll(ctx context.Context) []*Session {
	var restored []*Session
	for _, r := range m.Records() {
		if _, err := m.Get(r.ID); err == nil {
			continue
		}
		s, err := m.Resume(ctx, r.ID)
		if errors.Is(err, ErrCapacityExceeded) {
			break
		}
		if err != nil {
			sessionLog.Warn("restore_failed", slog.String("session", r.ID), slog.String("error", err.Error()))
			continue
		}
		restored = append(restored, s)
	}
	return restored
}

// Close tears the session down and forgets its record.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	_, hasRecord := m.records[id]
	if !ok && !hasRecord {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	delete(m.records, id)
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()

	var err error
	if s != nil {
		err = m.shutdownSession(ctx, s)
	}
	m.dispatcher.Forget(id)
	m.persist()
	m.refreshGauges()
	sessionLog.Info("session_closed", slog.String("session", id))
	return err
}

func (m *Manager) shutdownSession(ctx context.Context, s *Session) error {
	s.mu.Lock()
	wasLive := s.status == StatusStarting || s.status == StatusRunning
	s.status = StatusClosed
	b := s.bridge
	s.closeSubsLocked()
	s.mu.Unlock()

	if wasLive {
		m.metrics.SessionsClosed.Inc()
	}
	if b == nil {
		return nil
	}
	if err := b.Teardown(ctx); err != nil && !errors.Is(err, registry.ErrTerminationTimeout) {
		return fmt.Errorf("session %s: teardown: %w", s.ID, err)
	}
	return nil
}

// CloseAll tears down every session concurrently, keeping their records
// so they can be resumed next run.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	m.persist()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range all {
		g.Go(func() error { return m.shutdownSession(gctx, s) })
	}
	err := g.Wait()
	m.refreshGauges()
	sessionLog.Info("manager_closed", slog.Int("sessions", len(all)))
	return err
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// List returns snapshots of open sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	active := m.active
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.snapshot(s.ID == active))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of sessions with a live child.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveCountLocked()
}

// Records returns every persisted record, most recently active first.
func (m *Manager) Records() []statedb.SessionRow {
	m.mu.RLock()
	out := make([]statedb.SessionRow, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out
}

// SetActive marks id as the focused session and counts as interaction.
func (m *Manager) SetActive(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.active = id
	m.mu.Unlock()

	s.mu.Lock()
	s.condense.Interact(m.now())
	s.mu.Unlock()
	return nil
}

// Active returns the focused session id, or "".
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) refreshGauges() {
	m.metrics.SessionsActive.Set(float64(m.Len()))
	m.metrics.RegistryEntries.Set(float64(m.registry.Len()))
}

// persist writes the full record set. Failures are logged; the in-memory
// state stays authoritative.
func (m *Manager) persist() {
	m.mu.Lock()
	for id, s := range m.sessions {
		m.records[id] = s.row()
	}
	rows := make([]statedb.SessionRow, 0, len(m.records))
	for _, r := range m.records {
		rows = append(rows, r)
	}
	m.mu.Unlock()

	if err := m.store.SaveSessions(rows); err != nil {
		sessionLog.Error("persist_failed", slog.String("error", err.Error()))
	}
}
