// Package scroll keeps a user's place in terminal history while output
// keeps arriving, and decides when wheel events belong to the enclosing
// container instead of the terminal.
package scroll

import (
	"math"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

// Viewport is the part of the terminal emulator the tracker drives.
// Positions are fractions of the scrollable range: 0 top, 1 bottom.
type Viewport interface {
	Feed(p []byte)
	Rows() int
	ScrollPosition() float64
	ScrollThumbSize() float64
	ScrollTo(pos float64)
}

// bottomTolerance is how close to the bottom, in lines, still counts as
// "at the bottom".
const bottomTolerance = 0.5

// Tracker is owned by one session's event loop and is not safe for
// concurrent use.
type Tracker struct {
	vp Viewport

	userScrolledUp bool
	// programmatic is set while the tracker itself moves the viewport so
	// the resulting scroll notification is not mistaken for the user's.
	programmatic bool

	// passthrough latches wheel forwarding for the rest of a gesture.
	passthrough bool
}

// New wraps vp.
func New(vp Viewport) *Tracker {
	return &Tracker{vp: vp}
}

// UserScrolledUp reports whether output should leave the viewport alone.
func (t *Tracker) UserScrolledUp() bool { return t.userScrolledUp }

// maxScroll is the number of history lines above a bottom-pinned
// viewport, derived from the visible rows and the thumb ratio so it does
// not depend on pixel sizes.
func (t *Tracker) maxScroll() float64 {
	thumb := t.vp.ScrollThumbSize()
	if thumb <= 0 || thumb >= 1 {
		return 0
	}
	rows := float64(t.vp.Rows())
	return math.Round(rows/thumb - rows)
}

func (t *Tracker) distanceAt(pos float64) float64 {
	return (1 - pos) * t.maxScroll()
}

// DistanceFromBottom is the current offset from the bottom in lines.
func (t *Tracker) DistanceFromBottom() float64 {
	return t.distanceAt(t.vp.ScrollPosition())
}

func (t *Tracker) scrollProgrammatic(pos float64) {
	t.programmatic = true
	defer func() { t.programmatic = false }()
	t.vp.ScrollTo(pos)
}

// Feed delivers output. A user reading history stays the same number of
// lines from the bottom, clamped to whatever history remains.
func (t *Tracker) Feed(p []byte) {
	if !t.userScrolledUp {
		t.vp.Feed(p)
		return
	}

	distance := math.Round(t.DistanceFromBottom())

	t.programmatic = true
	t.vp.Feed(p)
	t.programmatic = false

	newMax := t.maxScroll()
	target := math.Min(distance, newMax)
	if target < bottomTolerance {
		t.userScrolledUp = false
		t.scrollProgrammatic(1)
		return
	}
	t.scrollProgrammatic(1 - target/newMax)
}

// UserScrolled is the emulator's scroll notification. Notifications caused
// by the tracker's own restores are ignored.
func (t *Tracker) UserScrolled(pos float64) {
	if t.programmatic {
		return
	}
	t.userScrolledUp = t.distanceAt(pos) >= bottomTolerance
}

// UserInput snaps to the bottom: someone typing wants to see the result.
func (t *Tracker) UserInput() {
	t.userScrolledUp = false
	t.passthrough = false
	t.scrollProgrammatic(1)
}

// Phase is the stage of a wheel or trackpad gesture.
type Phase int

const (
	// PhaseNone is a discrete mouse-wheel notch with no gesture around it.
	PhaseNone Phase = iota
	PhaseBegan
	PhaseChanged
	PhaseEnded
	PhaseMomentum
	PhaseMomentumEnded
)

// WheelEvent is one scroll step. Negative DeltaLines scrolls toward older
// output (up), positive toward the bottom.
type WheelEvent struct {
	DeltaLines float64
	Phase      Phase
}

// WheelResult says who handles a wheel event.
type WheelResult int

const (
	Consume WheelResult = iota
	Forward
)

func (r WheelResult) String() string {
	if r == Forward {
		return "forward"
	}
	return "consume"
}

// atBoundaryOutward reports whether scrolling by delta would push past the
// top or bottom of history, or there is no history at all.
func (t *Tracker) atBoundaryOutward(delta float64) bool {
	if delta == 0 {
		return false
	}
	maxScroll := t.maxScroll()
	if maxScroll <= 0 {
		return true
	}
	distance := t.DistanceFromBottom()
	atTop := distance >= maxScroll-bottomTolerance
	atBottom := distance < bottomTolerance
	return (delta < 0 && atTop) || (delta > 0 && atBottom)
}

// HandleWheel scrolls the viewport for ev or reports that the enclosing
// container should get it. Once a gesture starts forwarding it keeps
// forwarding through its momentum phase.
func (t *Tracker) HandleWheel(ev WheelEvent) WheelResult {
	switch ev.Phase {
	case PhaseBegan:
		t.passthrough = t.atBoundaryOutward(ev.DeltaLines)
	case PhaseNone:
		t.passthrough = false
		if t.atBoundaryOutward(ev.DeltaLines) {
			return t.forward()
		}
	case PhaseChanged, PhaseMomentum:
		if !t.passthrough && t.atBoundaryOutward(ev.DeltaLines) {
			t.passthrough = true
		}
	case PhaseEnded:
		if t.passthrough {
			return t.forward()
		}
		return Consume
	case PhaseMomentumEnded:
		forward := t.passthrough
		t.passthrough = false
		if forward {
			return t.forward()
		}
		return Consume
	}

	if t.passthrough {
		return t.forward()
	}
	t.scrollBy(ev.DeltaLines)
	return Consume
}

func (t *Tracker) forward() WheelResult {
	logging.Aggregate(logging.CompScroll, "wheel_passthrough")
	return Forward
}

func (t *Tracker) scrollBy(delta float64) {
	maxScroll := t.maxScroll()
	if maxScroll <= 0 || delta == 0 {
		return
	}
	distance := math.Min(math.Max(t.DistanceFromBottom()-delta, 0), maxScroll)
	t.vp.ScrollTo(1 - distance/maxScroll)
}
