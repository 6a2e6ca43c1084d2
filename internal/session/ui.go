package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/dispatch"
	"github.com/asheshgoplani/ptydeck/internal/scroll"
)

// Send snaps the session to the bottom, records the interaction and
// dispatches text as one submitted prompt.
func (m *Manager) Send(ctx context.Context, id, text string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	m.userInput(s)

	start := time.Now()
	err = m.dispatcher.Send(ctx, id, s, text)
	m.metrics.ObserveDispatch(dispatchResult(err), time.Since(start))
	if err != nil {
		sessionLog.Warn("dispatch_failed", slog.String("session", id), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// SendKeys writes raw keys (Ctrl+C, Escape, typed input) to the child.
func (m *Manager) SendKeys(ctx context.Context, id string, keys []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	m.userInput(s)
	return m.dispatcher.SendKeys(ctx, id, s, keys)
}

func (m *Manager) userInput(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scroll.UserInput()
	s.condense.Interact(m.now())
}

func dispatchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, dispatch.ErrDispatchUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Snapshot returns the UI view of one open session.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(m.Active() == id), nil
}

// withSession runs fn under the session's write lock.
func (m *Manager) withSession(id string, fn func(s *Session) bool) (bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s), nil
}

// Hover reports pointer enter (true) or leave (false). It returns whether
// the condense state changed.
func (m *Manager) Hover(id string, on bool) (bool, error) {
	return m.withSession(id, func(s *Session) bool {
		if on {
			return s.condense.HoverBegin()
		}
		return s.condense.HoverEnd()
	})
}

func (m *Manager) Click(id string) (bool, error) {
	return m.withSession(id, func(s *Session) bool { return s.condense.Click(m.now()) })
}

func (m *Manager) Expand(id string) (bool, error) {
	return m.withSession(id, func(s *Session) bool { return s.condense.Expand(m.now()) })
}

func (m *Manager) Condense(id string) (bool, error) {
	return m.withSession(id, func(s *Session) bool { return s.condense.Condense() })
}

// Scroll moves the viewport as a user scroll; pos is 0 (top) to 1
// (bottom).
func (m *Manager) Scroll(id string, pos float64) error {
	_, err := m.withSession(id, func(s *Session) bool {
		s.emu.ScrollTo(pos)
		return true
	})
	return err
}

// Wheel applies a wheel or trackpad event and reports whether the
// enclosing container should receive it instead.
func (m *Manager) Wheel(id string, ev scroll.WheelEvent) (scroll.WheelResult, error) {
	var res scroll.WheelResult
	_, err := m.withSession(id, func(s *Session) bool {
		res = s.scroll.HandleWheel(ev)
		return true
	})
	return res, err
}

// Resize changes the emulator and PTY size.
func (m *Manager) Resize(id string, rows, cols int) error {
	if err := ValidateSize(rows, cols); err != nil {
		return err
	}
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.emu.Resize(rows, cols)
	b := s.bridge
	s.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Resize(uint16(rows), uint16(cols))
}

// Lines returns the text currently in the session's viewport.
func (m *Manager) Lines(id string) ([]string, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emu.Lines(), nil
}

// Subscribe streams raw output chunks of session id. The channel is closed
// when the session ends or cancel is called.
func (m *Manager) Subscribe(id string) (<-chan []byte, func(), error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan []byte, 64)

	s.mu.Lock()
	if s.status == StatusClosed || s.status == StatusExited {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}
