package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/session"
)

var (
	eventsPollInterval      = time.Second
	eventsHeartbeatInterval = 15 * time.Second
)

// handleEvents streams "sessions" snapshots whenever the list changes and a
// "notice" event for every manager notice.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.startNoticeFanout()
	notices := s.subscribeNotices()
	defer s.unsubscribeNotices(notices)

	list := s.sessions.List()
	lastFingerprint := sessionsFingerprint(list)
	if err := writeSSEEvent(w, flusher, "sessions", list); err != nil {
		return
	}

	pollTicker := time.NewTicker(eventsPollInterval)
	defer pollTicker.Stop()

	heartbeatTicker := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeatTicker.Stop()

	emitIfChanged := func() error {
		next := s.sessions.List()
		fp := sessionsFingerprint(next)
		if fp == lastFingerprint {
			return nil
		}
		if err := writeSSEEvent(w, flusher, "sessions", next); err != nil {
			return err
		}
		lastFingerprint = fp
		return nil
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case n, ok := <-notices:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, "notice", n); err != nil {
				return
			}
			if err := emitIfChanged(); err != nil {
				return
			}
		case <-pollTicker.C:
			if err := emitIfChanged(); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// sessionsFingerprint ignores timestamps so idle sessions do not produce a
// new event every poll.
func sessionsFingerprint(list []session.Snapshot) string {
	trimmed := make([]session.Snapshot, len(list))
	for i, snap := range list {
		snap.LastActiveAt = time.Time{}
		snap.DistanceFromBottom = 0
		trimmed[i] = snap
	}
	raw, err := json.Marshal(trimmed)
	if err != nil {
		return "marshal-error"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
