package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Unix(1_700_000_000, 0)

func TestCondenseScenario(t *testing.T) {
	c := NewCondenser(30*time.Second, t0)
	assert.Equal(t, Expanded, c.State())

	c.SetActivity(Working, t0.Add(time.Second))
	assert.False(t, c.Tick(t0.Add(20*time.Second)))
	assert.Equal(t, Expanded, c.State())

	assert.True(t, c.Tick(t0.Add(32*time.Second)))
	assert.Equal(t, Condensed, c.State())

	assert.True(t, c.HoverBegin())
	assert.Equal(t, Peeking, c.State())

	assert.True(t, c.Click(t0.Add(40*time.Second)))
	assert.Equal(t, ManuallyExpanded, c.State())

	assert.False(t, c.HoverEnd())
	assert.Equal(t, ManuallyExpanded, c.State())

	assert.False(t, c.Tick(t0.Add(time.Hour)), "pinned sessions never auto-condense")
}

func TestHoverEndRevertsPeek(t *testing.T) {
	c := NewCondenser(time.Second, t0)
	c.Condense()
	c.HoverBegin()
	assert.Equal(t, Peeking, c.State())
	assert.True(t, c.HoverEnd())
	assert.Equal(t, Condensed, c.State())
}

func TestHoverBlocksAutoCondense(t *testing.T) {
	c := NewCondenser(10*time.Second, t0)
	c.SetActivity(Working, t0)
	c.HoverBegin()

	assert.False(t, c.Tick(t0.Add(time.Minute)))
	assert.Equal(t, Expanded, c.State())

	c.HoverEnd()
	assert.True(t, c.Tick(t0.Add(time.Minute)))
}

func TestIdleCondenseWaitsForInteraction(t *testing.T) {
	c := NewCondenser(10*time.Second, t0)
	c.Interact(t0.Add(8 * time.Second))

	assert.False(t, c.Tick(t0.Add(12*time.Second)))
	assert.True(t, c.Tick(t0.Add(18*time.Second)))
}

func TestFinishedDoesNotAutoCondense(t *testing.T) {
	c := NewCondenser(10*time.Second, t0)
	c.SetActivity(FinishedNeedsAttention, t0)
	assert.False(t, c.Tick(t0.Add(time.Hour)))
}

func TestAlertFlag(t *testing.T) {
	c := NewCondenser(10*time.Second, t0)
	c.SetActivity(Working, t0)
	c.Tick(t0.Add(11 * time.Second))
	assert.Equal(t, Condensed, c.State())

	assert.True(t, c.SetActivity(FinishedNeedsAttention, t0.Add(20*time.Second)))
	assert.True(t, c.Alert())

	// Peeking does not clear it.
	c.HoverBegin()
	assert.True(t, c.Alert())
	c.HoverEnd()
	assert.True(t, c.Alert())

	c.Expand(t0.Add(30 * time.Second))
	assert.Equal(t, Expanded, c.State())
	assert.False(t, c.Alert())
}

func TestAlertClearedByClick(t *testing.T) {
	c := NewCondenser(time.Second, t0)
	c.Condense()
	c.SetActivity(FinishedNeedsAttention, t0)
	c.HoverBegin()
	c.Click(t0)
	assert.Equal(t, ManuallyExpanded, c.State())
	assert.False(t, c.Alert())
}

func TestFinishedWhileExpandedNoAlert(t *testing.T) {
	c := NewCondenser(time.Second, t0)
	c.SetActivity(FinishedNeedsAttention, t0)
	assert.False(t, c.Alert())
}

func TestInvalidTransitionsIgnored(t *testing.T) {
	c := NewCondenser(time.Second, t0)

	assert.False(t, c.Click(t0), "click outside peek is ignored")
	assert.False(t, c.HoverEnd())
	assert.False(t, c.Expand(t0), "already expanded")
	assert.Equal(t, Expanded, c.State())

	c.Condense()
	assert.False(t, c.Condense())
	assert.False(t, c.Click(t0))
	assert.Equal(t, Condensed, c.State())
}

func TestExpandDelaysRecondense(t *testing.T) {
	c := NewCondenser(10*time.Second, t0)
	c.SetActivity(Working, t0)
	c.Tick(t0.Add(11 * time.Second))
	c.Expand(t0.Add(12 * time.Second))

	assert.False(t, c.Tick(t0.Add(15*time.Second)))
	assert.True(t, c.Tick(t0.Add(23*time.Second)))
}

func TestDisabledCondenser(t *testing.T) {
	c := NewCondenser(0, t0)
	c.SetActivity(Working, t0)
	assert.False(t, c.Tick(t0.Add(24*time.Hour)))
	assert.True(t, c.Condense(), "explicit condense still works")
}
