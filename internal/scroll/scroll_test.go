package scroll

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineViewport models a terminal as a count of lines and the index of the
// first visible one, with an optional scrollback cap.
type lineViewport struct {
	rows     int
	total    int
	top      int
	capLines int // 0 = unlimited scrollback
	observer func(float64)
}

func newLineViewport(rows, total int) *lineViewport {
	v := &lineViewport{rows: rows, total: total}
	v.top = v.maxTop()
	return v
}

func (v *lineViewport) maxTop() int { return max(v.total-v.rows, 0) }

func (v *lineViewport) Feed(p []byte) {
	v.total += bytes.Count(p, []byte("\n"))
	if v.capLines > 0 && v.total > v.rows+v.capLines {
		v.total = v.rows + v.capLines
	}
	v.top = v.maxTop()
}

func (v *lineViewport) Rows() int { return v.rows }

func (v *lineViewport) ScrollPosition() float64 {
	if v.maxTop() == 0 {
		return 1
	}
	return float64(v.top) / float64(v.maxTop())
}

func (v *lineViewport) ScrollThumbSize() float64 {
	return float64(v.rows) / float64(max(v.total, v.rows))
}

func (v *lineViewport) ScrollTo(pos float64) {
	v.top = int(math.Round(pos * float64(v.maxTop())))
	if v.observer != nil {
		v.observer(v.ScrollPosition())
	}
}

func (v *lineViewport) distance() int { return v.maxTop() - v.top }

func newTracked(rows, total int) (*lineViewport, *Tracker) {
	vp := newLineViewport(rows, total)
	tr := New(vp)
	vp.observer = tr.UserScrolled
	return vp, tr
}

// userScrollTo simulates the user dragging to distance lines from the bottom.
func userScrollTo(vp *lineViewport, distance int) {
	vp.ScrollTo(1 - float64(distance)/float64(vp.maxTop()))
}

var fiveLines = []byte("a\nb\nc\nd\ne\n")

func TestFeedPreservesDistanceWhenScrolledUp(t *testing.T) {
	vp, tr := newTracked(10, 100)
	userScrollTo(vp, 10)
	require.True(t, tr.UserScrolledUp())
	require.Equal(t, 10, vp.distance())

	tr.Feed(fiveLines)

	assert.Equal(t, 10, vp.distance(), "not 0, not 15")
	assert.InDelta(t, 10, tr.DistanceFromBottom(), 1e-9)
	assert.True(t, tr.UserScrolledUp())
}

func TestFeedFollowsBottomWhenNotScrolledUp(t *testing.T) {
	vp, tr := newTracked(10, 100)
	require.False(t, tr.UserScrolledUp())

	tr.Feed(fiveLines)

	assert.Equal(t, 0, vp.distance())
	assert.False(t, tr.UserScrolledUp())
}

func TestFeedClampsToShorterHistory(t *testing.T) {
	vp, tr := newTracked(10, 30)
	vp.capLines = 20
	userScrollTo(vp, 18)
	require.True(t, tr.UserScrolledUp())

	// History is capped, so the same distance still fits.
	tr.Feed(fiveLines)
	assert.Equal(t, 18, vp.distance())

	// The history shrinks (e.g. the child cleared it) below the distance.
	vp.capLines = 6
	tr.Feed(fiveLines)
	assert.Equal(t, 6, vp.distance())
	assert.True(t, tr.UserScrolledUp())
}

func TestFeedClampedToBottomClearsFlag(t *testing.T) {
	vp, tr := newTracked(10, 30)
	userScrollTo(vp, 4)
	require.True(t, tr.UserScrolledUp())

	vp.capLines = 0
	vp.total = 10 // history wiped, only the screen remains
	tr.Feed([]byte("x\n"))

	assert.Equal(t, 0, vp.distance())
	assert.False(t, tr.UserScrolledUp())
}

func TestRestoreDoesNotCountAsUserScroll(t *testing.T) {
	vp, tr := newTracked(10, 100)
	userScrollTo(vp, 3)

	for i := 0; i < 20; i++ {
		tr.Feed([]byte("x\n"))
	}
	assert.True(t, tr.UserScrolledUp())
	assert.Equal(t, 3, vp.distance())
}

func TestUserScrollToBottomClearsFlag(t *testing.T) {
	vp, tr := newTracked(10, 100)
	userScrollTo(vp, 5)
	require.True(t, tr.UserScrolledUp())

	userScrollTo(vp, 0)
	assert.False(t, tr.UserScrolledUp())
}

func TestUserInputSnapsToBottom(t *testing.T) {
	vp, tr := newTracked(10, 100)
	userScrollTo(vp, 40)

	tr.UserInput()

	assert.False(t, tr.UserScrolledUp())
	assert.Equal(t, 0, vp.distance())

	tr.Feed(fiveLines)
	assert.Equal(t, 0, vp.distance())
}

func TestWheelScrollsViewport(t *testing.T) {
	vp, tr := newTracked(10, 100)

	assert.Equal(t, Consume, tr.HandleWheel(WheelEvent{DeltaLines: -3, Phase: PhaseBegan}))
	assert.Equal(t, 3, vp.distance())
	assert.True(t, tr.UserScrolledUp())

	assert.Equal(t, Consume, tr.HandleWheel(WheelEvent{DeltaLines: 2, Phase: PhaseChanged}))
	assert.Equal(t, 1, vp.distance())
	assert.Equal(t, Consume, tr.HandleWheel(WheelEvent{Phase: PhaseEnded}))
}

func TestWheelForwardsAtBottomForWholeGesture(t *testing.T) {
	vp, tr := newTracked(10, 100)

	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{DeltaLines: 2, Phase: PhaseBegan}))
	// Reversing direction mid-gesture still belongs to the parent.
	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{DeltaLines: -4, Phase: PhaseChanged}))
	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{Phase: PhaseEnded}))
	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{DeltaLines: -1, Phase: PhaseMomentum}))
	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{Phase: PhaseMomentumEnded}))
	assert.Equal(t, 0, vp.distance())

	// The next gesture starts fresh.
	assert.Equal(t, Consume, tr.HandleWheel(WheelEvent{DeltaLines: -2, Phase: PhaseBegan}))
	assert.Equal(t, 2, vp.distance())
}

func TestWheelLatchesWhenReachingTop(t *testing.T) {
	vp, tr := newTracked(10, 20)

	assert.Equal(t, Consume, tr.HandleWheel(WheelEvent{DeltaLines: -8, Phase: PhaseBegan}))
	assert.Equal(t, 8, vp.distance())
	assert.Equal(t, Consume, tr.HandleWheel(WheelEvent{DeltaLines: -5, Phase: PhaseChanged}))
	assert.Equal(t, 10, vp.distance(), "clamped at the top")

	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{DeltaLines: -1, Phase: PhaseMomentum}))
	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{DeltaLines: 1, Phase: PhaseMomentum}))
	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{Phase: PhaseMomentumEnded}))
}

func TestWheelNoScrollbackAlwaysForwards(t *testing.T) {
	_, tr := newTracked(10, 5)

	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{DeltaLines: -1}))
	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{DeltaLines: 1}))
	assert.Equal(t, Consume, tr.HandleWheel(WheelEvent{DeltaLines: 0}))
}

func TestDiscreteWheelAtBoundary(t *testing.T) {
	vp, tr := newTracked(10, 100)

	assert.Equal(t, Forward, tr.HandleWheel(WheelEvent{DeltaLines: 1}))
	assert.Equal(t, Consume, tr.HandleWheel(WheelEvent{DeltaLines: -1}))
	assert.Equal(t, 1, vp.distance())
}
