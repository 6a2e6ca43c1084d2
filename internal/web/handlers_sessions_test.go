package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/asheshgoplani/ptydeck/internal/session"
	"github.com/asheshgoplani/ptydeck/internal/statedb"
)

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestListSessionsIncludesRecords(t *testing.T) {
	fake := newFakeSessions("abc123")
	fake.records = []statedb.SessionRow{{ID: "old999", Name: "parked", Mode: "agent"}}
	srv := NewServer(Config{}, fake)

	rr := doRequest(t, srv, http.MethodGet, "/api/sessions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
		Records []statedb.SessionRow `json:"records"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "abc123" {
		t.Fatalf("unexpected sessions: %+v", resp.Sessions)
	}
	if len(resp.Records) != 1 || resp.Records[0].Name != "parked" {
		t.Fatalf("unexpected records: %+v", resp.Records)
	}
}

func TestGetSessionByPrefix(t *testing.T) {
	srv := NewServer(Config{}, newFakeSessions("abc123", "def456"))

	rr := doRequest(t, srv, http.MethodGet, "/api/sessions/abc", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"id":"abc123"`) {
		t.Fatalf("expected snapshot of abc123, got: %s", rr.Body.String())
	}
}

func TestGetSessionFallsBackToRecord(t *testing.T) {
	fake := newFakeSessions()
	fake.records = []statedb.SessionRow{{ID: "old999", Name: "parked"}}
	srv := NewServer(Config{}, fake)

	rr := doRequest(t, srv, http.MethodGet, "/api/sessions/old999", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "parked") {
		t.Fatalf("expected persisted record, got: %s", rr.Body.String())
	}
}

func TestSessionErrorsMapToStatus(t *testing.T) {
	srv := NewServer(Config{}, newFakeSessions("abc1", "abc2"))

	tests := []struct {
		name   string
		method string
		target string
		want   int
		code   string
	}{
		{name: "unknown", method: http.MethodGet, target: "/api/sessions/zzz", want: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "ambiguous", method: http.MethodGet, target: "/api/sessions/abc", want: http.StatusBadRequest, code: "AMBIGUOUS"},
		{name: "close unknown", method: http.MethodDelete, target: "/api/sessions/zzz", want: http.StatusNotFound, code: "NOT_FOUND"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, srv, tc.method, tc.target, "")
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
			if !strings.Contains(rr.Body.String(), fmt.Sprintf(`"code":%q`, tc.code)) {
				t.Fatalf("expected code %s, got: %s", tc.code, rr.Body.String())
			}
		})
	}
}

func TestWriteSessionErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("x: %w", session.ErrCapacityExceeded), want: http.StatusConflict},
		{err: fmt.Errorf("x: %w", session.ErrDispatchUnavailable), want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("x: %w", session.ErrSpawnFailure), want: http.StatusBadGateway},
		{err: fmt.Errorf("x: %w", session.ErrInvalidLaunchMode), want: http.StatusBadRequest},
		{err: fmt.Errorf("x: %w", session.ErrInvalidSize), want: http.StatusBadRequest},
		{err: errors.New("disk on fire"), want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		writeSessionError(rr, tc.err)
		if rr.Code != tc.want {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}

func TestCreateSession(t *testing.T) {
	fake := newFakeSessions()
	srv := NewServer(Config{}, fake)

	rr := doRequest(t, srv, http.MethodPost, "/api/sessions",
		`{"name":"api","dir":"/tmp","mode":"agent","skip_confirmation":true,"rows":30,"cols":100}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusCreated, rr.Code, rr.Body.String())
	}
	if len(fake.creates) != 1 {
		t.Fatalf("expected one create, got %d", len(fake.creates))
	}
	opts := fake.creates[0]
	if opts.Mode.Kind != session.ModeAgent || !opts.Mode.SkipConfirmation {
		t.Fatalf("unexpected mode: %+v", opts.Mode)
	}
	if opts.Rows != 30 || opts.Cols != 100 || opts.Dir != "/tmp" || opts.Name != "api" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestCreateSessionRejectsBadMode(t *testing.T) {
	srv := NewServer(Config{}, newFakeSessions())

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown mode", body: `{"mode":"vim"}`},
		{name: "shell with token", body: `{"mode":"shell","resume_token":"abc"}`},
		{name: "resume and continue", body: `{"mode":"agent","resume_token":"abc","continue":true}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, srv, http.MethodPost, "/api/sessions", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d (%s)", http.StatusBadRequest, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCreateSessionInvalidJSON(t *testing.T) {
	srv := NewServer(Config{}, newFakeSessions())

	rr := doRequest(t, srv, http.MethodPost, "/api/sessions", `{"name":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"INVALID_JSON"`) {
		t.Fatalf("expected INVALID_JSON, got: %s", rr.Body.String())
	}
}

func TestReadOnlyBlocksMutations(t *testing.T) {
	fake := newFakeSessions("abc")
	srv := NewServer(Config{ReadOnly: true}, fake)

	for _, target := range []string{"/api/sessions", "/api/sessions/abc/send", "/api/sessions/abc/keys"} {
		rr := doRequest(t, srv, http.MethodPost, target, `{}`)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s: expected status %d, got %d", target, http.StatusForbidden, rr.Code)
		}
	}
	rr := doRequest(t, srv, http.MethodDelete, "/api/sessions/abc", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("delete: expected status %d, got %d", http.StatusForbidden, rr.Code)
	}
	if len(fake.closed) != 0 {
		t.Fatalf("read-only server closed a session: %v", fake.closed)
	}
}

func TestSendAndKeys(t *testing.T) {
	fake := newFakeSessions("abc")
	srv := NewServer(Config{}, fake)

	rr := doRequest(t, srv, http.MethodPost, "/api/sessions/abc/send", `{"text":"fix the tests"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("send: expected status %d, got %d", http.StatusAccepted, rr.Code)
	}
	rr = doRequest(t, srv, http.MethodPost, "/api/sessions/abc/keys", `{"keys":"\u0003"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("keys: expected status %d, got %d", http.StatusAccepted, rr.Code)
	}

	sent, keys := fake.sentSnapshot()
	if len(sent) != 1 || sent[0] != "abc:fix the tests" {
		t.Fatalf("unexpected sends: %q", sent)
	}
	if len(keys) != 1 || keys[0] != "abc:\x03" {
		t.Fatalf("unexpected keys: %q", keys)
	}
}

func TestSendUnavailable(t *testing.T) {
	fake := newFakeSessions("abc")
	fake.sendErr = fmt.Errorf("session abc: %w", session.ErrDispatchUnavailable)
	srv := NewServer(Config{}, fake)

	rr := doRequest(t, srv, http.MethodPost, "/api/sessions/abc/send", `{"text":"hi"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
}

func TestCloseAndResume(t *testing.T) {
	fake := newFakeSessions("abc")
	fake.records = []statedb.SessionRow{{ID: "abc", Name: "work"}}
	srv := NewServer(Config{}, fake)

	rr := doRequest(t, srv, http.MethodDelete, "/api/sessions/abc", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("close: expected status %d, got %d", http.StatusNoContent, rr.Code)
	}

	rr = doRequest(t, srv, http.MethodPost, "/api/sessions/abc/resume", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("resume: expected status %d, got %d (%s)", http.StatusOK, rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"status":"running"`) {
		t.Fatalf("expected running snapshot, got: %s", rr.Body.String())
	}
}

func TestResizeValidatesSize(t *testing.T) {
	fake := newFakeSessions("abc")
	srv := NewServer(Config{}, fake)

	for _, body := range []string{
		`{"rows":0,"cols":80}`,
		`{"rows":70000,"cols":80}`,
		`{"rows":40,"cols":1001}`,
	} {
		rr := doRequest(t, srv, http.MethodPost, "/api/sessions/abc/resize", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", body, http.StatusBadRequest, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"INVALID_SIZE"`) {
			t.Fatalf("%s: expected INVALID_SIZE, got: %s", body, rr.Body.String())
		}
	}
	if len(fake.resizes) != 0 {
		t.Fatalf("oversized resize reached the manager: %v", fake.resizes)
	}
	rr := doRequest(t, srv, http.MethodPost, "/api/sessions/abc/resize", `{"rows":40,"cols":120}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rr.Code)
	}
	if len(fake.resizes) != 1 || fake.resizes[0] != [2]int{40, 120} {
		t.Fatalf("unexpected resizes: %v", fake.resizes)
	}
}

func TestCreateSessionRejectsOversizedTerminal(t *testing.T) {
	fake := newFakeSessions()
	srv := NewServer(Config{}, fake)

	for _, body := range []string{
		`{"mode":"shell","rows":70000,"cols":80}`,
		`{"mode":"shell","rows":24,"cols":-1}`,
	} {
		rr := doRequest(t, srv, http.MethodPost, "/api/sessions", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", body, http.StatusBadRequest, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"INVALID_SIZE"`) {
			t.Fatalf("%s: expected INVALID_SIZE, got: %s", body, rr.Body.String())
		}
	}
	if len(fake.creates) != 0 {
		t.Fatalf("oversized create reached the manager: %v", fake.creates)
	}
}

func TestSetActive(t *testing.T) {
	fake := newFakeSessions("abc", "def")
	srv := NewServer(Config{}, fake)

	rr := doRequest(t, srv, http.MethodPost, "/api/sessions/def/active", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"active":true`) {
		t.Fatalf("expected active snapshot, got: %s", rr.Body.String())
	}
}

func TestUIActions(t *testing.T) {
	fake := newFakeSessions("abc")
	srv := NewServer(Config{}, fake)

	tests := []struct {
		name    string
		body    string
		want    int
		changed bool
		forward bool
	}{
		{name: "hover", body: `{"action":"hover_begin"}`, want: http.StatusOK, changed: true},
		{name: "hover again", body: `{"action":"hover_begin"}`, want: http.StatusOK},
		{name: "click", body: `{"action":"click"}`, want: http.StatusOK, changed: true},
		{name: "wheel up", body: `{"action":"wheel","delta":-3,"phase":"began"}`, want: http.StatusOK},
		{name: "wheel down", body: `{"action":"wheel","delta":3}`, want: http.StatusOK, forward: true},
		{name: "bad phase", body: `{"action":"wheel","phase":"sideways"}`, want: http.StatusBadRequest},
		{name: "unknown action", body: `{"action":"dance"}`, want: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, srv, http.MethodPost, "/api/sessions/abc/ui", tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d (%s)", tc.want, rr.Code, rr.Body.String())
			}
			if tc.want != http.StatusOK {
				return
			}
			var resp struct {
				Changed bool `json:"changed"`
				Forward bool `json:"forward"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid response: %v", err)
			}
			if resp.Changed != tc.changed || resp.Forward != tc.forward {
				t.Fatalf("expected changed=%t forward=%t, got %+v", tc.changed, tc.forward, resp)
			}
		})
	}
}

func TestScreen(t *testing.T) {
	fake := newFakeSessions("abc")
	fake.lines = []string{"$ ls", "README.md"}
	srv := NewServer(Config{}, fake)

	rr := doRequest(t, srv, http.MethodGet, "/api/sessions/abc/screen", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp screenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.Lines) != 2 || resp.Lines[1] != "README.md" {
		t.Fatalf("unexpected lines: %q", resp.Lines)
	}
}
