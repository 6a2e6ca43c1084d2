// Package terminal adapts the midterm emulator to what the session engine
// needs: feeding output, a line-based scroll model over the history, the
// window title and the bracketed-paste mode the child negotiated.
package terminal

import (
	"strings"
	"sync"

	"github.com/vito/midterm"
)

// Emulator is the terminal-emulation collaborator a session renders into.
// Scroll positions are fractions: 0 is the top of history, 1 the bottom.
type Emulator interface {
	Feed(p []byte)
	Rows() int
	Cols() int
	Resize(rows, cols int)

	ScrollPosition() float64
	ScrollThumbSize() float64
	ScrollTo(pos float64)
	// OnScroll registers fn to run after every ScrollTo.
	OnScroll(fn func(pos float64))

	Title() string
	BracketedPaste() bool
	Lines() []string
}

// Options configures a VT.
type Options struct {
	Rows int
	Cols int
	// MaxScrollback caps the lines kept above the visible screen.
	MaxScrollback int
}

// compactSlack is how far history may overshoot MaxScrollback before it is
// rebuilt, so compaction is not paid on every line.
const compactSlack = 256

// VT renders into two midterm terminals: a fixed-size screen that mirrors
// what the child drew, and an append-only history that grows with every
// line and backs scrolling.
type VT struct {
	mu sync.Mutex

	rows, cols    int
	maxScrollback int

	screen  *midterm.Terminal
	history *midterm.Terminal
	scan    modeScanner

	// top is the first history line in the viewport.
	top      int
	onScroll func(float64)
}

// NewVT returns an emulator sized rows x cols.
func NewVT(opts Options) *VT {
	if opts.Rows <= 0 {
		opts.Rows = 40
	}
	if opts.Cols <= 0 {
		opts.Cols = 120
	}
	if opts.MaxScrollback <= 0 {
		opts.MaxScrollback = 5000
	}
	return &VT{
		rows:          opts.Rows,
		cols:          opts.Cols,
		maxScrollback: opts.MaxScrollback,
		screen:        midterm.NewTerminal(opts.Rows, opts.Cols),
		history:       newHistory(opts.Rows, opts.Cols),
	}
}

func newHistory(rows, cols int) *midterm.Terminal {
	h := midterm.NewTerminal(rows, cols)
	h.AutoResizeY = true
	h.AppendOnly = true
	return h
}

// Feed writes child output. Like a real terminal it leaves the viewport at
// the bottom; callers that want to keep a scrolled position restore it.
func (v *VT) Feed(p []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.scan.Write(p)
	_, _ = v.screen.Write(p)
	if !v.scan.altScreen {
		_, _ = v.history.Write(p)
		v.compactLocked()
	}
	v.top = v.maxTopLocked()
}

func (v *VT) historyLenLocked() int {
	n := v.history.Cursor.Y + 1
	if n > len(v.history.Content) {
		n = len(v.history.Content)
	}
	return n
}

func (v *VT) totalLinesLocked() int {
	return max(v.historyLenLocked(), v.rows)
}

func (v *VT) maxTopLocked() int {
	return v.totalLinesLocked() - v.rows
}

// compactLocked rebuilds history from its newest lines once it overshoots
// the cap. Formatting is dropped; only text survives.
func (v *VT) compactLocked() {
	n := v.historyLenLocked()
	keep := v.maxScrollback + v.rows
	if n <= keep+compactSlack {
		return
	}
	drop := n - keep
	lines := make([]string, 0, keep)
	for _, row := range v.history.Content[drop:n] {
		lines = append(lines, rowText(row))
	}

	fresh := newHistory(v.rows, v.cols)
	_, _ = fresh.Write([]byte(strings.Join(lines, "\r\n")))
	v.history = fresh
	v.top = max(v.top-drop, 0)
}

func rowText(row []rune) string {
	return strings.TrimRight(string(row), " \x00")
}

func (v *VT) Rows() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rows
}

func (v *VT) Cols() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cols
}

// Resize changes the screen size. History keeps its lines.
func (v *VT) Resize(rows, cols int) {
	if rows <= 0 || cols <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows, v.cols = rows, cols
	v.screen.Resize(rows, cols)
	v.top = min(v.top, v.maxTopLocked())
}

func (v *VT) ScrollPosition() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	maxTop := v.maxTopLocked()
	if maxTop == 0 {
		return 1
	}
	return float64(v.top) / float64(maxTop)
}

// ScrollThumbSize is the visible share of all lines, 1 with no scrollback.
func (v *VT) ScrollThumbSize() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return float64(v.rows) / float64(v.totalLinesLocked())
}

func (v *VT) ScrollTo(pos float64) {
	pos = min(max(pos, 0), 1)

	v.mu.Lock()
	maxTop := v.maxTopLocked()
	v.top = int(pos*float64(maxTop) + 0.5)
	actual := 1.0
	if maxTop > 0 {
		actual = float64(v.top) / float64(maxTop)
	}
	fn := v.onScroll
	v.mu.Unlock()

	if fn != nil {
		fn(actual)
	}
}

func (v *VT) OnScroll(fn func(pos float64)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onScroll = fn
}

// Title returns the last OSC 0/2 title, raw.
func (v *VT) Title() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scan.title
}

// BracketedPaste reports whether the child enabled DECSET 2004.
func (v *VT) BracketedPaste() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scan.bracketedPaste
}

// Lines returns the text in the viewport.
func (v *VT) Lines() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var src [][]rune
	if v.top >= v.maxTopLocked() || v.scan.altScreen {
		src = v.screen.Content
		if len(src) > v.rows {
			src = src[:v.rows]
		}
	} else {
		end := min(v.top+v.rows, v.historyLenLocked())
		src = v.history.Content[v.top:end]
	}

	out := make([]string, len(src))
	for i, row := range src {
		out[i] = rowText(row)
	}
	return out
}
