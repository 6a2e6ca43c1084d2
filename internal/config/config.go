// Package config loads ~/.ptydeck/config.toml.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

const (
	// FileName is the config file inside the ptydeck home directory.
	FileName = "config.toml"

	// HomeEnv overrides the ptydeck home directory.
	HomeEnv = "PTYDECK_HOME"
)

// UserConfig is the decoded config.toml.
type UserConfig struct {
	Sessions SessionSettings  `toml:"sessions"`
	Dispatch DispatchSettings `toml:"dispatch"`
	Condense CondenseSettings `toml:"condense"`
	Claude   ClaudeSettings   `toml:"claude"`
	Logs     LogSettings      `toml:"logs"`
	Web      WebSettings      `toml:"web"`
}

// SessionSettings controls session lifecycle limits.
type SessionSettings struct {
	// MaxSessions caps concurrently open sessions (default 8).
	MaxSessions int `toml:"max_sessions"`

	// TerminateTimeoutMs is the SIGTERM grace period before SIGKILL (default 3000).
	TerminateTimeoutMs int `toml:"terminate_timeout_ms"`

	// Shell overrides $SHELL for plain shell sessions.
	Shell string `toml:"shell"`

	// Rows and Cols size new PTYs (default 40x120).
	Rows int `toml:"rows"`
	Cols int `toml:"cols"`

	// ScrollbackLines caps emulator history (default 5000).
	ScrollbackLines int `toml:"scrollback_lines"`

	// RestoreOnStart relaunches persisted sessions at startup.
	RestoreOnStart *bool `toml:"restore_on_start"`
}

// DispatchSettings tunes prompt injection.
type DispatchSettings struct {
	// PasteSettleMs is the wait between the pasted block and the Enter key (default 150).
	PasteSettleMs int `toml:"paste_settle_ms"`

	// SubmitSettleMs is the wait after Enter before returning (default 50).
	SubmitSettleMs int `toml:"submit_settle_ms"`

	// RatePerSecond limits dispatches per session (default 5, burst 10).
	RatePerSecond float64 `toml:"rate_per_second"`
	RateBurst     int     `toml:"rate_burst"`
}

// CondenseSettings tunes automatic condensing.
type CondenseSettings struct {
	// Enabled turns auto-condense on (default true).
	Enabled *bool `toml:"enabled"`

	// AfterSecs is the working/idle duration before auto-condense (default 30).
	AfterSecs int `toml:"after_secs"`
}

// ClaudeSettings configures the interactive agent launcher.
type ClaudeSettings struct {
	// Command is the agent binary (default "claude").
	Command string `toml:"command"`

	// ConfigDir overrides CLAUDE_CONFIG_DIR / ~/.claude.
	ConfigDir string `toml:"config_dir"`

	// SkipPermissions adds --dangerously-skip-permissions by default.
	SkipPermissions bool `toml:"skip_permissions"`

	// DiscoveryTimeoutSecs bounds session-token discovery (default 10).
	DiscoveryTimeoutSecs int `toml:"discovery_timeout_secs"`
}

// LogSettings configures internal/logging.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`

	// AggregateIntervalSecs controls event_summary flushes.
	AggregateIntervalSecs int `toml:"aggregate_interval_secs"`
}

// WebSettings configures the HTTP/WebSocket surface.
type WebSettings struct {
	// Listen is the bind address (default 127.0.0.1:8787).
	Listen string `toml:"listen"`

	// Pprof mounts /debug/pprof on the web mux.
	Pprof bool `toml:"pprof"`

	// AllowedOrigins lists extra websocket origins besides same-host.
	AllowedOrigins []string `toml:"allowed_origins"`

	// Token, when set, is required on every request except /healthz.
	Token string `toml:"token"`

	// ReadOnly rejects input and lifecycle changes.
	ReadOnly bool `toml:"read_only"`
}

func (s *SessionSettings) GetMaxSessions() int {
	if s.MaxSessions <= 0 {
		return 8
	}
	return s.MaxSessions
}

func (s *SessionSettings) GetTerminateTimeout() time.Duration {
	if s.TerminateTimeoutMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.TerminateTimeoutMs) * time.Millisecond
}

// GetShell returns the configured shell, then $SHELL, then /bin/sh.
func (s *SessionSettings) GetShell() string {
	if s.Shell != "" {
		return s.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func (s *SessionSettings) GetSize() (rows, cols int) {
	rows, cols = s.Rows, s.Cols
	if rows <= 0 {
		rows = 40
	}
	if cols <= 0 {
		cols = 120
	}
	return rows, cols
}

func (s *SessionSettings) GetScrollbackLines() int {
	if s.ScrollbackLines <= 0 {
		return 5000
	}
	return s.ScrollbackLines
}

// GetRestoreOnStart defaults to false.
func (s *SessionSettings) GetRestoreOnStart() bool {
	return s.RestoreOnStart != nil && *s.RestoreOnStart
}

func (d *DispatchSettings) GetPasteSettle() time.Duration {
	if d.PasteSettleMs <= 0 {
		return 150 * time.Millisecond
	}
	return time.Duration(d.PasteSettleMs) * time.Millisecond
}

func (d *DispatchSettings) GetSubmitSettle() time.Duration {
	if d.SubmitSettleMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(d.SubmitSettleMs) * time.Millisecond
}

func (d *DispatchSettings) GetRate() (perSecond float64, burst int) {
	perSecond, burst = d.RatePerSecond, d.RateBurst
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return perSecond, burst
}

// GetEnabled defaults to true.
func (c *CondenseSettings) GetEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func (c *CondenseSettings) GetAfter() time.Duration {
	if c.AfterSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.AfterSecs) * time.Second
}

func (c *ClaudeSettings) GetCommand() string {
	if c.Command == "" {
		return "claude"
	}
	return c.Command
}

// GetConfigDir resolves config_dir, then CLAUDE_CONFIG_DIR, then ~/.claude.
func (c *ClaudeSettings) GetConfigDir() string {
	if c.ConfigDir != "" {
		return expandHome(c.ConfigDir)
	}
	if env := os.Getenv("CLAUDE_CONFIG_DIR"); env != "" {
		return expandHome(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

func (c *ClaudeSettings) GetDiscoveryTimeout() time.Duration {
	if c.DiscoveryTimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.DiscoveryTimeoutSecs) * time.Second
}

func (w *WebSettings) GetListen() string {
	if w.Listen == "" {
		return "127.0.0.1:8787"
	}
	return w.Listen
}

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// HomeDir returns $PTYDECK_HOME or ~/.ptydeck.
func HomeDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return expandHome(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home dir: %w", err)
	}
	return filepath.Join(home, ".ptydeck"), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// LogDir returns the directory holding ptydeck.log.
func LogDir() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// StatePath returns the SQLite database location.
func StatePath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// LoadFile decodes path. A missing file yields the zero config, which
// every getter treats as defaults.
func LoadFile(path string) (*UserConfig, error) {
	var cfg UserConfig
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return &UserConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		configLog.Warn("config_unknown_keys", "path", path, "keys", fmt.Sprint(undecoded))
	}
	return &cfg, nil
}

var (
	cache   *UserConfig
	cacheMu sync.RWMutex
)

// Load returns the cached config, reading it on first use. On a parse
// error the defaults are cached and the error is returned so the caller
// can report it once.
func Load() (*UserConfig, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = &UserConfig{}
		return cache, nil
	}
	cfg, err := LoadFile(path)
	cache = cfg
	return cache, err
}

// Reload drops the cache and reads the file again.
func Reload() (*UserConfig, error) {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
	return Load()
}

// Encode renders cfg as TOML.
func Encode(cfg *UserConfig) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# ptydeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return buf.Bytes(), nil
}
