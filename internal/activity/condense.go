package activity

import "time"

// CondenseState is the visual form of a session tile.
type CondenseState int

const (
	Expanded CondenseState = iota
	Condensed
	// Peeking is a hover preview of a condensed session.
	Peeking
	// ManuallyExpanded is pinned open and never auto-condenses.
	ManuallyExpanded
)

func (s CondenseState) String() string {
	switch s {
	case Condensed:
		return "condensed"
	case Peeking:
		return "peeking"
	case ManuallyExpanded:
		return "manually_expanded"
	default:
		return "expanded"
	}
}

// MarshalText lets CondenseState appear as a string in JSON.
func (s CondenseState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Condenser is the per-session condense state machine. It is not safe for
// concurrent use; the session's event loop owns it. Every method returns
// whether the visible state or alert flag changed, and transitions that do
// not apply to the current state are ignored.
type Condenser struct {
	after   time.Duration
	enabled bool

	state    CondenseState
	hovering bool
	alert    bool

	activity        State
	activitySince   time.Time
	lastInteraction time.Time
}

// NewCondenser starts Expanded and Idle at now. A zero or negative after
// disables automatic condensing.
func NewCondenser(after time.Duration, now time.Time) *Condenser {
	return &Condenser{
		after:         after,
		enabled:       after > 0,
		activitySince: now,
	}
}

func (c *Condenser) State() CondenseState { return c.state }

// Alert is raised when a condensed session finishes and cleared when the
// session is expanded again.
func (c *Condenser) Alert() bool { return c.alert }

func (c *Condenser) Hovering() bool { return c.hovering }

func (c *Condenser) Activity() State { return c.activity }

func (c *Condenser) setState(s CondenseState) bool {
	if c.state == s {
		return false
	}
	c.state = s
	if s == Expanded || s == ManuallyExpanded {
		c.alert = false
	}
	return true
}

// SetActivity records a new activity signal and re-evaluates auto-condense.
func (c *Condenser) SetActivity(s State, now time.Time) bool {
	if s == c.activity {
		return c.Tick(now)
	}
	c.activity = s
	c.activitySince = now

	changed := false
	if s == FinishedNeedsAttention && (c.state == Condensed || c.state == Peeking) && !c.alert {
		c.alert = true
		changed = true
	}
	return c.Tick(now) || changed
}

// Interact records user input, focus or a dispatched prompt.
func (c *Condenser) Interact(now time.Time) {
	c.lastInteraction = now
}

// Tick condenses an Expanded session that has been working, or idle without
// interaction, for the configured duration. Hover blocks it.
func (c *Condenser) Tick(now time.Time) bool {
	if !c.enabled || c.state != Expanded || c.hovering {
		return false
	}
	if c.activity == FinishedNeedsAttention {
		return false
	}
	since := c.activitySince
	if c.lastInteraction.After(since) {
		since = c.lastInteraction
	}
	if now.Sub(since) < c.after {
		return false
	}
	return c.setState(Condensed)
}

// HoverBegin turns a condensed session into a peek.
func (c *Condenser) HoverBegin() bool {
	c.hovering = true
	if c.state == Condensed {
		return c.setState(Peeking)
	}
	return false
}

// HoverEnd drops a peek back to condensed. Other states are unaffected.
func (c *Condenser) HoverEnd() bool {
	c.hovering = false
	if c.state == Peeking {
		return c.setState(Condensed)
	}
	return false
}

// Click pins a peeking session open.
func (c *Condenser) Click(now time.Time) bool {
	if c.state != Peeking {
		return false
	}
	c.Interact(now)
	return c.setState(ManuallyExpanded)
}

// Expand is the explicit expand action. It counts as interaction so the
// session is not condensed again on the next tick.
func (c *Condenser) Expand(now time.Time) bool {
	c.Interact(now)
	return c.setState(Expanded)
}

// Condense is the explicit condense action.
func (c *Condenser) Condense() bool {
	return c.setState(Condensed)
}
