package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/activity"
	"github.com/asheshgoplani/ptydeck/internal/bridge"
)

// consume is the session's event loop. It owns every mutation driven by
// the child: emulator feed, scroll restore, title classification and
// condense ticks. It follows the session onto a new bridge after a stale
// fallback and returns when the current bridge's events close.
func (m *Manager) consume(s *Session, b *bridge.Bridge) {
	defer func() {
		if r := recover(); r != nil {
			sessionLog.Error("session_consumer_panic",
				slog.String("session", s.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if cur := s.currentBridge(); cur != nil {
				_ = cur.Teardown(context.Background())
			}
			m.finish(s, b)
		}
	}()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				m.finish(s, b)
				return
			}
			if next := m.handle(s, b, ev); next != nil {
				b = next
			}
		case <-ticker.C:
			s.mu.Lock()
			s.condense.Tick(m.now())
			s.mu.Unlock()
		}
	}
}

// handle applies one bridge event. It returns a replacement bridge when
// the session was relaunched.
func (m *Manager) handle(s *Session, b *bridge.Bridge, ev bridge.Event) *bridge.Bridge {
	switch ev.Kind {
	case bridge.EventOutput:
		m.onOutput(s, ev.Data)
	case bridge.EventToken:
		m.onToken(s, ev.Token, ev.Substituted)
	case bridge.EventStale:
		return m.staleFallback(s, b)
	case bridge.EventExit:
		s.mu.Lock()
		if s.bridge == b && s.status != StatusClosed {
			s.status = StatusExited
			s.exitCode = ev.ExitCode
		}
		s.mu.Unlock()
	}
	return nil
}

func (m *Manager) onOutput(s *Session, chunk []byte) {
	now := m.now()

	s.mu.Lock()
	if s.status == StatusStarting {
		s.status = StatusRunning
	}
	prevTitle := s.emu.Title()
	s.scroll.Feed(chunk)
	if title := s.emu.Title(); title != prevTitle {
		state, _ := activity.Classify(title)
		s.condense.SetActivity(state, now)
		s.name = activity.DisplayName(s.name, title)
		s.rawTitle = title
		sessionLog.Debug("title_changed",
			slog.String("session", s.ID),
			slog.String("title", title),
			slog.String("activity", state.String()))
	}
	s.lastActive = now
	s.broadcastLocked(chunk)
	touch := s.touches.AllowN(now, 1)
	s.mu.Unlock()

	m.metrics.OutputBytes.Add(float64(len(chunk)))
	if touch {
		if err := m.store.TouchSession(s.ID, now); err != nil {
			sessionLog.Debug("touch_failed", slog.String("session", s.ID), slog.String("error", err.Error()))
		}
	}
}

// onToken records the conversation id. A substituted token means the
// resume target was missing and the child started a new conversation
// under the old id; the user is told, the same as a stale fallback.
func (m *Manager) onToken(s *Session, token string, substituted bool) {
	s.mu.Lock()
	changed := s.token != token
	s.token = token
	if substituted {
		s.mode.ResumeToken = ""
	}
	s.mu.Unlock()

	if changed {
		sessionLog.Info("session_token_set", slog.String("session", s.ID), slog.String("token", token))
		m.persist()
	}
	if substituted {
		sessionLog.Warn("stale_session_fallback",
			slog.String("session", s.ID),
			slog.String("stale_token", token),
			slog.Bool("same_id", true))
		m.metrics.StaleFallbacks.Inc()
		m.notify(Notice{
			Kind:      NoticeStaleFallback,
			SessionID: s.ID,
			Message:   "previous conversation was not found; started a new one with the same id",
		})
	}
}

// staleFallback replaces a resumed child whose conversation is gone with a
// fresh launch of the same session.
func (m *Manager) staleFallback(s *Session, old *bridge.Bridge) *bridge.Bridge {
	s.mu.Lock()
	if s.bridge != old || s.status == StatusClosed {
		s.mu.Unlock()
		return nil
	}
	staleToken := s.token
	fresh := s.mode
	fresh.ResumeToken = ""
	fresh.Continue = false
	s.mode = fresh
	s.token = ""
	rows, cols := s.emu.Rows(), s.emu.Cols()
	s.mu.Unlock()

	sessionLog.Warn("stale_session_fallback", slog.String("session", s.ID), slog.String("stale_token", staleToken))
	_ = old.Teardown(context.Background())
	m.metrics.StaleFallbacks.Inc()

	m.mu.RLock()
	exclude := m.tokensInDirLocked(s.dir)
	m.mu.RUnlock()

	next, err := m.startBridge(context.Background(), s, fresh, uint16(rows), uint16(cols), exclude)
	if err != nil {
		sessionLog.Error("stale_relaunch_failed", slog.String("session", s.ID), slog.String("error", err.Error()))
		m.notify(Notice{
			Kind:      NoticeRelaunchFailed,
			SessionID: s.ID,
			Message:   fmt.Sprintf("could not start a fresh conversation: %v", err),
		})
		// The old bridge's events will close and finish the session.
		return nil
	}

	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		_ = next.Teardown(context.Background())
		return nil
	}
	s.bridge = next
	s.status = StatusStarting
	s.mu.Unlock()

	m.persist()
	m.notify(Notice{
		Kind:      NoticeStaleFallback,
		SessionID: s.ID,
		Message:   "previous conversation was not found; started a new one",
	})
	return next
}

// finish runs when the session's current bridge has no more events. A
// session that was not closed explicitly exited on its own: it leaves the
// open set but keeps its record for a later resume.
func (m *Manager) finish(s *Session, b *bridge.Bridge) {
	s.mu.Lock()
	if s.bridge != b || s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = StatusExited
	code := s.exitCode
	s.closeSubsLocked()
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
		m.records[s.ID] = s.row()
	}
	if m.active == s.ID {
		m.active = ""
	}
	m.mu.Unlock()

	m.metrics.SessionsClosed.Inc()
	m.refreshGauges()
	m.persist()
	m.notify(Notice{
		Kind:      NoticeExited,
		SessionID: s.ID,
		Message:   fmt.Sprintf("process exited with code %d", code),
	})
	sessionLog.Info("session_exited", slog.String("session", s.ID), slog.Int("exit_code", code))
}
