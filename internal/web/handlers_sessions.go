package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/asheshgoplani/ptydeck/internal/bridge"
	"github.com/asheshgoplani/ptydeck/internal/scroll"
	"github.com/asheshgoplani/ptydeck/internal/session"
	"github.com/asheshgoplani/ptydeck/internal/statedb"
)

const maxBodyBytes = 1 << 20

type sessionsResponse struct {
	Sessions []session.Snapshot    `json:"sessions"`
	Records  []statedb.SessionRow `json:"records"`
}

type createRequest struct {
	Name             string `json:"name"`
	Dir              string `json:"dir"`
	ProjectPath      string `json:"project_path"`
	Mode             string `json:"mode"`
	ResumeToken      string `json:"resume_token"`
	Continue         bool   `json:"continue"`
	SkipConfirmation bool   `json:"skip_confirmation"`
	Rows             int    `json:"rows"`
	Cols             int    `json:"cols"`
}

// launchMode maps the request onto a LaunchMode. Option combinations are
// checked by the manager.
func (r createRequest) launchMode() (session.LaunchMode, error) {
	mode := session.LaunchMode{
		ResumeToken:      r.ResumeToken,
		Continue:         r.Continue,
		SkipConfirmation: r.SkipConfirmation,
	}
	switch strings.ToLower(strings.TrimSpace(r.Mode)) {
	case "", "shell":
		mode.Kind = session.ModeShell
	case "agent", "claude":
		mode.Kind = session.ModeAgent
	default:
		return session.LaunchMode{}, fmt.Errorf("unknown mode %q: %w", r.Mode, session.ErrInvalidLaunchMode)
	}
	return mode, nil
}

type sendRequest struct {
	Text string `json:"text"`
}

type keysRequest struct {
	Keys string `json:"keys"`
}

type resizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// uiRequest carries one pointer or scroll action from the sidebar or the
// terminal view.
type uiRequest struct {
	Action   string  `json:"action"`
	Position float64 `json:"position,omitempty"`
	Delta    float64 `json:"delta,omitempty"`
	Phase    string  `json:"phase,omitempty"`
}

type uiResponse struct {
	Changed bool             `json:"changed"`
	Forward bool             `json:"forward,omitempty"`
	Session session.Snapshot `json:"session"`
}

type screenResponse struct {
	ID    string   `json:"id"`
	Lines []string `json:"lines"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionsResponse{
		Sessions: s.sessions.List(),
		Records:  s.sessions.Records(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	snap, err := s.sessions.Snapshot(id)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if !errors.Is(err, session.ErrNotFound) {
		writeSessionError(w, err)
		return
	}
	// Not open: fall back to the persisted record so clients can offer resume.
	for _, rec := range s.sessions.Records() {
		if rec.ID == id {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeSessionError(w, err)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w) {
		return
	}
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode, err := req.launchMode()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	// Zero means the configured default.
	if req.Rows < 0 || req.Cols < 0 || req.Rows > session.MaxRows || req.Cols > session.MaxCols {
		writeAPIError(w, http.StatusBadRequest, "INVALID_SIZE",
			fmt.Sprintf("rows must be 0..%d and cols 0..%d", session.MaxRows, session.MaxCols))
		return
	}
	sess, err := s.sessions.Create(r.Context(), session.CreateOptions{
		Name:        req.Name,
		Dir:         req.Dir,
		ProjectPath: req.ProjectPath,
		Mode:        mode,
		Rows:        req.Rows,
		Cols:        req.Cols,
	})
	if err != nil {
		writeSessionError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusCreated, sess.ID)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w) {
		return
	}
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Resume(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, sess.ID)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w) {
		return
	}
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Close(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w) {
		return
	}
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sessions.Send(r.Context(), id, req.Text); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w) {
		return
	}
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req keysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sessions.SendKeys(r.Context(), id, []byte(req.Keys)); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req resizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := session.ValidateSize(req.Rows, req.Cols); err != nil {
		writeSessionError(w, err)
		return
	}
	if err := s.sessions.Resize(id, req.Rows, req.Cols); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if err := s.sessions.SetActive(id); err != nil {
		writeSessionError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, id)
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req uiRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.applyUI(id, req)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) applyUI(id string, req uiRequest) (uiResponse, error) {
	var (
		changed bool
		forward bool
		err     error
	)
	switch req.Action {
	case "hover_begin":
		changed, err = s.sessions.Hover(id, true)
	case "hover_end":
		changed, err = s.sessions.Hover(id, false)
	case "click":
		changed, err = s.sessions.Click(id)
	case "expand":
		changed, err = s.sessions.Expand(id)
	case "condense":
		changed, err = s.sessions.Condense(id)
	case "scroll":
		err = s.sessions.Scroll(id, req.Position)
	case "wheel":
		phase, perr := parsePhase(req.Phase)
		if perr != nil {
			return uiResponse{}, perr
		}
		var res scroll.WheelResult
		res, err = s.sessions.Wheel(id, scroll.WheelEvent{DeltaLines: req.Delta, Phase: phase})
		forward = res == scroll.Forward
	default:
		return uiResponse{}, fmt.Errorf("%w: unknown ui action %q", errBadRequest, req.Action)
	}
	if err != nil {
		return uiResponse{}, err
	}
	snap, err := s.sessions.Snapshot(id)
	if err != nil {
		return uiResponse{}, err
	}
	return uiResponse{Changed: changed, Forward: forward, Session: snap}, nil
}

var errBadRequest = errors.New("bad request")

func parsePhase(name string) (scroll.Phase, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return scroll.PhaseNone, nil
	case "began":
		return scroll.PhaseBegan, nil
	case "changed":
		return scroll.PhaseChanged, nil
	case "ended":
		return scroll.PhaseEnded, nil
	case "momentum":
		return scroll.PhaseMomentum, nil
	case "momentum_ended":
		return scroll.PhaseMomentumEnded, nil
	}
	return scroll.PhaseNone, fmt.Errorf("%w: unknown wheel phase %q", errBadRequest, name)
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	lines, err := s.sessions.Lines(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, screenResponse{ID: id, Lines: lines})
}

// resolve turns the {ref} path value into a session id, writing the error
// response itself when that fails.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := s.sessions.Resolve(r.PathValue("ref"))
	if err != nil {
		writeSessionError(w, err)
		return "", false
	}
	return id, true
}

func (s *Server) allowMutation(w http.ResponseWriter) bool {
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
		return false
	}
	return true
}

func (s *Server) writeSnapshot(w http.ResponseWriter, status int, id string) {
	snap, err := s.sessions.Snapshot(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, status, snap)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return false
	}
	return true
}

// writeSessionError maps manager errors onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, session.ErrAmbiguous):
		writeAPIError(w, http.StatusBadRequest, "AMBIGUOUS", err.Error())
	case errors.Is(err, session.ErrInvalidLaunchMode):
		writeAPIError(w, http.StatusBadRequest, "INVALID_MODE", err.Error())
	case errors.Is(err, session.ErrInvalidSize):
		writeAPIError(w, http.StatusBadRequest, "INVALID_SIZE", err.Error())
	case errors.Is(err, errBadRequest):
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, session.ErrCapacityExceeded):
		writeAPIError(w, http.StatusConflict, "CAPACITY_EXCEEDED", err.Error())
	case errors.Is(err, bridge.ErrAlreadyRunning):
		writeAPIError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.Is(err, session.ErrDispatchUnavailable), errors.Is(err, bridge.ErrClosed):
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	case errors.Is(err, session.ErrSpawnFailure):
		writeAPIError(w, http.StatusBadGateway, "SPAWN_FAILED", err.Error())
	default:
		webLog.Warn("request_failed", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
