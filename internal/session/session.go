package session

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/ptydeck/internal/activity"
	"github.com/asheshgoplani/ptydeck/internal/bridge"
	"github.com/asheshgoplani/ptydeck/internal/launcher"
	"github.com/asheshgoplani/ptydeck/internal/scroll"
	"github.com/asheshgoplani/ptydeck/internal/statedb"
	"github.com/asheshgoplani/ptydeck/internal/terminal"
)

// Status is a session's lifecycle stage.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusExited
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ModeKind selects what runs in the PTY.
type ModeKind int

const (
	ModeShell ModeKind = iota
	ModeAgent
)

func (k ModeKind) String() string {
	if k == ModeAgent {
		return "agent"
	}
	return "shell"
}

// LaunchMode is a plain shell or an interactive agent with optional
// resume/continue.
type LaunchMode struct {
	Kind             ModeKind
	ResumeToken      string
	Continue         bool
	SkipConfirmation bool
}

// ShellMode is a plain login shell.
func ShellMode() LaunchMode { return LaunchMode{Kind: ModeShell} }

// AgentMode is a fresh agent launch.
func AgentMode(skipConfirmation bool) LaunchMode {
	return LaunchMode{Kind: ModeAgent, SkipConfirmation: skipConfirmation}
}

// Validate rejects agent-only options on a plain shell and a resume
// token combined with continue.
func (m LaunchMode) Validate() error {
	switch m.Kind {
	case ModeShell:
		if m.ResumeToken != "" || m.Continue || m.SkipConfirmation {
			return fmt.Errorf("%w: shell sessions take no agent options", ErrInvalidLaunchMode)
		}
	case ModeAgent:
		if m.ResumeToken != "" && m.Continue {
			return fmt.Errorf("%w: resume token and continue are exclusive", ErrInvalidLaunchMode)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidLaunchMode, m.Kind)
	}
	return nil
}

func (m LaunchMode) agentSpec(dir string) *launcher.LaunchSpec {
	if m.Kind != ModeAgent {
		return nil
	}
	return &launcher.LaunchSpec{
		Dir:              dir,
		ResumeToken:      m.ResumeToken,
		Continue:         m.Continue,
		SkipConfirmation: m.SkipConfirmation,
	}
}

// Session is one terminal conversation. All fields below mu are guarded by
// it; the session's consumer goroutine is the main writer.
type Session struct {
	ID string

	mu sync.RWMutex

	name        string
	dir         string
	projectPath string
	mode        LaunchMode
	createdAt   time.Time
	lastActive  time.Time

	status   Status
	exitCode int
	token    string
	rawTitle string

	emu      terminal.Emulator
	scroll   *scroll.Tracker
	condense *activity.Condenser
	bridge   *bridge.Bridge

	subs    map[chan []byte]struct{}
	touches *rate.Limiter
}

// Snapshot is a point-in-time view of a session for the UI.
type Snapshot struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Dir                string                 `json:"dir"`
	ProjectPath        string                 `json:"project_path,omitempty"`
	Mode               string                 `json:"mode"`
	Status             Status                 `json:"status"`
	ExitCode           int                    `json:"exit_code"`
	PGID               int                    `json:"pgid,omitempty"`
	Token              string                 `json:"token,omitempty"`
	Title              string                 `json:"title"`
	Activity           activity.State         `json:"activity"`
	Condense           activity.CondenseState `json:"condense"`
	Alert              bool                   `json:"alert"`
	Hovering           bool                   `json:"hovering"`
	UserScrolledUp     bool                   `json:"user_scrolled_up"`
	DistanceFromBottom float64                `json:"distance_from_bottom"`
	Active             bool                   `json:"active"`
	CreatedAt          time.Time              `json:"created_at"`
	LastActiveAt       time.Time              `json:"last_active_at"`
}

func (s *Session) snapshot(active bool) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:                 s.ID,
		Name:               s.name,
		Dir:                s.dir,
		ProjectPath:        s.projectPath,
		Mode:               s.mode.Kind.String(),
		Status:             s.status,
		ExitCode:           s.exitCode,
		Token:              s.token,
		Title:              s.rawTitle,
		Activity:           s.condense.Activity(),
		Condense:           s.condense.State(),
		Alert:              s.condense.Alert(),
		Hovering:           s.condense.Hovering(),
		UserScrolledUp:     s.scroll.UserScrolledUp(),
		DistanceFromBottom: s.scroll.DistanceFromBottom(),
		Active:             active,
		CreatedAt:          s.createdAt,
		LastActiveAt:       s.lastActive,
	}
	if s.bridge != nil {
		snap.PGID = s.bridge.PGID()
	}
	return snap
}

func (s *Session) row() statedb.SessionRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statedb.SessionRow{
		ID:               s.ID,
		Name:             s.name,
		WorkingDir:       s.dir,
		ProjectPath:      s.projectPath,
		Mode:             s.mode.Kind.String(),
		SkipConfirmation: s.mode.SkipConfirmation,
		ExternalToken:    s.token,
		CreatedAt:        s.createdAt,
		LastActiveAt:     s.lastActive,
	}
}

func (s *Session) currentBridge() *bridge.Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridge
}

func (s *Session) live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusStarting || s.status == StatusRunning
}

// Alive, BracketedPaste and Write make a session a dispatch target.

func (s *Session) Alive() bool {
	b := s.currentBridge()
	return b != nil && b.Alive()
}

func (s *Session) BracketedPaste() bool {
	return s.emu.BracketedPaste()
}

func (s *Session) Write(p []byte) error {
	b := s.currentBridge()
	if b == nil {
		return bridge.ErrClosed
	}
	return b.Write(p)
}

// broadcastLocked fans out an output chunk to subscribers. A slow subscriber
// misses chunks rather than stalling the session.
func (s *Session) broadcastLocked(chunk []byte) {
	for ch := range s.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

func (s *Session) closeSubsLocked() {
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}
