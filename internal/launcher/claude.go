package launcher

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Claude Code names a project's transcript directory after its absolute
// path with every character outside [a-zA-Z0-9-] replaced by '-'.
var claudeDirNameRegex = regexp.MustCompile(`[^a-zA-Z0-9-]`)

var transcriptNameRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.jsonl$`)

// ClaudeDirName converts a filesystem path to Claude's project directory
// name: /Users/me/Code cloud/!Project → -Users-me-Code-cloud--Project.
func ClaudeDirName(path string) string {
	return claudeDirNameRegex.ReplaceAllString(path, "-")
}

// claudeStalePatterns are printed by the CLI when --resume or --continue
// has nothing to attach to.
var claudeStalePatterns = []string{
	"No conversation found with session ID",
	"No conversation found to continue",
	"No conversations found to continue",
}

// ClaudeConfig configures ClaudeLauncher.
type ClaudeConfig struct {
	// Command is the CLI binary or alias, usually "claude".
	Command string
	// ConfigDir is the resolved Claude config directory.
	ConfigDir string
	// ExportConfigDir sets CLAUDE_CONFIG_DIR in the child. Leave false when
	// the directory came from the user's own environment.
	ExportConfigDir bool
	// Shell runs the command interactively so aliases resolve.
	Shell string
	// SkipPermissions adds --dangerously-skip-permissions to every launch.
	SkipPermissions  bool
	DiscoveryTimeout time.Duration
	PollInterval     time.Duration
}

// ClaudeLauncher launches Claude Code.
type ClaudeLauncher struct {
	cfg      ClaudeConfig
	procRoot string
	sf       singleflight.Group
}

// NewClaude returns a launcher reading process state from /proc.
func NewClaude(cfg ClaudeConfig) *ClaudeLauncher {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &ClaudeLauncher{cfg: cfg, procRoot: "/proc"}
}

func (l *ClaudeLauncher) StalePatterns() []string {
	return append([]string(nil), claudeStalePatterns...)
}

// ProjectDir is where Claude writes transcripts for sessions started in dir.
func (l *ClaudeLauncher) ProjectDir(dir string) string {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	name := ClaudeDirName(dir)
	if name == "" {
		name = "-"
	}
	return filepath.Join(l.cfg.ConfigDir, "projects", name)
}

// TranscriptPath is the transcript file for token in dir.
func (l *ClaudeLauncher) TranscriptPath(dir, token string) string {
	return filepath.Join(l.ProjectDir(dir), token+".jsonl")
}

// Command builds `$SHELL -ic "exec claude ..."`. A fresh launch gets a
// pre-generated --session-id so its token is known immediately. A resume
// of a conversation that never received a message reuses the id with
// --session-id, because --resume would fail with "No conversation found",
// and reports it as Substituted.
func (l *ClaudeLauncher) Command(spec LaunchSpec) (Command, error) {
	if spec.ResumeToken != "" && spec.Continue {
		return Command{}, fmt.Errorf("launcher: resume token and continue are exclusive")
	}

	var (
		flags       []string
		token       string
		substituted bool
	)
	switch {
	case spec.ResumeToken != "":
		if _, err := uuid.Parse(spec.ResumeToken); err != nil {
			return Command{}, fmt.Errorf("launcher: %w: %q", ErrInvalidToken, spec.ResumeToken)
		}
		token = strings.ToLower(spec.ResumeToken)
		if l.hasConversationData(spec.Dir, token) {
			flags = append(flags, "--resume", token)
		} else {
			flags = append(flags, "--session-id", token)
			substituted = true
		}
	case spec.Continue:
		flags = append(flags, "--continue")
	default:
		token = uuid.NewString()
		flags = append(flags, "--session-id", token)
	}
	if spec.SkipConfirmation || l.cfg.SkipPermissions {
		flags = append(flags, "--dangerously-skip-permissions")
	}

	line := "exec " + l.cfg.Command
	if len(flags) > 0 {
		line += " " + strings.Join(flags, " ")
	}

	var env []string
	if l.cfg.ExportConfigDir && l.cfg.ConfigDir != "" {
		env = append(env, "CLAUDE_CONFIG_DIR="+l.cfg.ConfigDir)
	}

	launchLog.Debug("claude_command_built",
		slog.String("dir", spec.Dir),
		slog.String("line", line),
		slog.Bool("token_known", token != ""),
		slog.Bool("substituted", substituted))

	return Command{
		Executable:  ResolveShell(l.cfg.Shell),
		Args:        []string{"-ic", line},
		Env:         env,
		Token:       token,
		Substituted: substituted,
	}, nil
}

// hasConversationData reports whether the transcript contains at least one
// message. A transcript that cannot be read counts as having data.
func (l *ClaudeLauncher) hasConversationData(dir, token string) bool {
	f, err := os.Open(l.TranscriptPath(dir, token))
	if err != nil {
		return !os.IsNotExist(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), `"sessionId"`) {
			return true
		}
	}
	return scanner.Err() != nil
}
