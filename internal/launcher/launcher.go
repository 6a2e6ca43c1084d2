// Package launcher builds the command line for a session's child and finds
// the external conversation token an agent CLI writes after it starts.
package launcher

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var launchLog = logging.ForComponent(logging.CompLauncher)

var (
	// ErrStaleSession means a resume target no longer exists: either no
	// token showed up within the discovery window or the agent printed a
	// "not found" message.
	ErrStaleSession = errors.New("stale external session")

	// ErrInvalidToken rejects resume tokens that are not conversation ids.
	ErrInvalidToken = errors.New("invalid session token")
)

// LaunchSpec is the agent-mode request for one child.
type LaunchSpec struct {
	Dir              string
	ResumeToken      string
	Continue         bool
	SkipConfirmation bool
}

// Command is what the supervisor should exec.
type Command struct {
	Executable string
	Args       []string
	Env        []string

	// Token is set when the conversation id is known before the child
	// starts (fresh launches and resumes). Empty means it must be
	// discovered.
	Token string

	// Substituted is set when a resume target had no conversation to
	// resume and a new one was started under the same id.
	Substituted bool
}

// DiscoverRequest identifies a freshly spawned child.
type DiscoverRequest struct {
	PGID  int
	Dir   string
	Since time.Time
	// Exclude holds tokens owned by other sessions in the same project.
	Exclude map[string]bool
}

// Launcher is the agent-specific half of a launch.
type Launcher interface {
	Command(spec LaunchSpec) (Command, error)
	DiscoverToken(ctx context.Context, req DiscoverRequest) (string, error)
	StalePatterns() []string
}

// ResolveShell returns shell, then $SHELL, then /bin/sh.
func ResolveShell(shell string) string {
	if shell != "" {
		return shell
	}
	if env := os.Getenv("SHELL"); env != "" {
		return env
	}
	return "/bin/sh"
}

// ShellCommand is the plain-shell launch: a login shell in the session's
// directory.
func ShellCommand(shell string) Command {
	return Command{Executable: ResolveShell(shell), Args: []string{"-l"}}
}
