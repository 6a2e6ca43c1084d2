// Package activity turns the window titles an agent CLI sets into an
// activity signal, and drives the per-session condense state machine from it.
package activity

import (
	"path"
	"strings"
	"unicode"

	"github.com/mattn/go-runewidth"
)

// State is the activity signal derived from the title.
type State int

const (
	// Idle means no recognised marker (a plain shell, or the agent at rest).
	Idle State = iota
	// Working means a spinner frame leads the title.
	Working
	// FinishedNeedsAttention means a completion star leads the title.
	FinishedNeedsAttention
)

func (s State) String() string {
	switch s {
	case Working:
		return "working"
	case FinishedNeedsAttention:
		return "finished"
	default:
		return "idle"
	}
}

// MarshalText lets State appear as a string in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Claude Code prefixes its title with a braille spinner frame or a middle
// dot while busy and with one of these stars once a turn completes.
var (
	finishedGlyphs = []rune{'✳', '✻', '✽', '✶', '✢'}
	middleDot      = '·'
)

func isWorkingGlyph(r rune) bool {
	return r == middleDot || (r >= 0x2800 && r <= 0x28FF)
}

func isFinishedGlyph(r rune) bool {
	for _, g := range finishedGlyphs {
		if r == g {
			return true
		}
	}
	return false
}

type rule struct {
	state State
	match func(rune) bool
}

// rules are checked in order; the first whose glyph leads the title wins.
var rules = []rule{
	{Working, isWorkingGlyph},
	{FinishedNeedsAttention, isFinishedGlyph},
}

// Classify maps a raw title to a state and the title with its marker
// glyphs and surrounding whitespace removed.
func Classify(title string) (State, string) {
	trimmed := strings.TrimSpace(title)
	first, _ := firstRune(trimmed)
	for _, r := range rules {
		if r.match(first) {
			return r.state, strings.TrimSpace(strings.TrimLeftFunc(trimmed, r.match))
		}
	}
	return Idle, trimmed
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

// genericNames are titles that say nothing about the conversation: login
// shells and the bare names of agent CLIs and their runtimes.
var genericNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true,
	"ksh": true, "tcsh": true, "csh": true, "nu": true, "pwsh": true,
	"login": true, "tmux": true, "screen": true,
	"claude": true, "claude code": true, "node": true, "bun": true,
	"deno": true, "python": true, "python3": true,
	"codex": true, "gemini": true, "opencode": true, "aider": true,
}

// MaxDisplayWidth bounds display names in terminal columns.
const MaxDisplayWidth = 48

// Meaningful reports whether a cleaned title is worth showing as a name.
func Meaningful(clean string) bool {
	return normalize(clean) != ""
}

// DisplayName returns the name to show after the child set title. The
// previous name is kept when the new title is empty or generic.
func DisplayName(prev, title string) string {
	_, clean := Classify(title)
	name := normalize(clean)
	if name == "" {
		return prev
	}
	return runewidth.Truncate(name, MaxDisplayWidth, "…")
}

func normalize(clean string) string {
	name := strings.TrimSpace(clean)
	if name == "" {
		return ""
	}

	base := strings.ToLower(strings.TrimLeft(name, "-"))
	if genericNames[base] {
		return ""
	}

	// "user@host: ~/src/api" is what many shells put in the title.
	if at := strings.IndexByte(name, '@'); at > 0 {
		if colon := strings.Index(name[at:], ": "); colon > 0 {
			name = strings.TrimSpace(name[at+colon+2:])
		}
	}

	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "~/") {
		if strings.IndexFunc(name, unicode.IsSpace) < 0 {
			name = path.Base(strings.TrimRight(name, "/"))
			if name == "/" || name == "." || name == "~" {
				return ""
			}
		}
	}
	if name == "~" {
		return ""
	}
	if genericNames[strings.ToLower(name)] {
		return ""
	}
	return name
}
