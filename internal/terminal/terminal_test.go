package terminal

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedLines(v *VT, from, n int) {
	var b strings.Builder
	for i := from; i < from+n; i++ {
		fmt.Fprintf(&b, "line %d\r\n", i)
	}
	v.Feed([]byte(b.String()))
}

func TestVTNoScrollback(t *testing.T) {
	v := NewVT(Options{Rows: 10, Cols: 40})
	v.Feed([]byte("hello"))

	assert.Equal(t, 1.0, v.ScrollPosition())
	assert.Equal(t, 1.0, v.ScrollThumbSize())
	assert.Equal(t, "hello", v.Lines()[0])
}

func TestVTScrollModel(t *testing.T) {
	v := NewVT(Options{Rows: 10, Cols: 40})
	feedLines(v, 0, 30)

	assert.Less(t, v.ScrollThumbSize(), 1.0)
	assert.Equal(t, 1.0, v.ScrollPosition())

	var observed []float64
	v.OnScroll(func(pos float64) { observed = append(observed, pos) })

	v.ScrollTo(0)
	assert.Equal(t, 0.0, v.ScrollPosition())
	assert.Equal(t, []float64{0}, observed)
	assert.Equal(t, "line 0", v.Lines()[0])

	feedLines(v, 30, 1)
	assert.Equal(t, 1.0, v.ScrollPosition(), "feeding returns the viewport to the bottom")
}

func TestVTTitleAndPaste(t *testing.T) {
	v := NewVT(Options{Rows: 5, Cols: 20})
	v.Feed([]byte("\x1b]0;⠋ Reading"))
	assert.Empty(t, v.Title())
	v.Feed([]byte(" files\x07\x1b[?2004h"))

	assert.Equal(t, "⠋ Reading files", v.Title())
	assert.True(t, v.BracketedPaste())
}

func TestVTCompactsHistory(t *testing.T) {
	v := NewVT(Options{Rows: 5, Cols: 20, MaxScrollback: 10})
	feedLines(v, 0, 400)

	v.mu.Lock()
	n := v.historyLenLocked()
	v.mu.Unlock()
	require.LessOrEqual(t, n, 10+5+compactSlack+1)

	v.ScrollTo(1)
	lines := v.Lines()
	require.NotEmpty(t, lines)
	assert.Contains(t, strings.Join(lines, "\n"), "line 399")
}

func TestVTResizeClampsViewport(t *testing.T) {
	v := NewVT(Options{Rows: 10, Cols: 40})
	feedLines(v, 0, 15)
	v.Resize(20, 40)

	assert.Equal(t, 20, v.Rows())
	assert.Equal(t, 1.0, v.ScrollPosition())
	v.Resize(0, 10)
	assert.Equal(t, 20, v.Rows())
}
