package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiClient talks to a running serve over its JSON API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// sessionView is the client-side shape of a session snapshot.
type sessionView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Dir          string    `json:"dir"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"`
	ExitCode     int       `json:"exit_code"`
	PGID         int       `json:"pgid"`
	Token        string    `json:"token"`
	Activity     string    `json:"activity"`
	Condense     string    `json:"condense"`
	Alert        bool      `json:"alert"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type recordView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WorkingDir    string    `json:"working_dir"`
	Mode          string    `json:"mode"`
	ExternalToken string    `json:"external_token"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

type listView struct {
	Sessions []sessionView `json:"sessions"`
	Records  []recordView  `json:"records"`
}

// apiError is the server's error envelope.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error apiError `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		envelope.Error.Status = resp.StatusCode
		return &envelope.Error
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func sessionPath(ref string, suffix ...string) string {
	p := "/api/sessions/" + url.PathEscape(ref)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func (c *apiClient) health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *apiClient) list(ctx context.Context) (listView, error) {
	var out listView
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

type createBody struct {
	Name             string `json:"name,omitempty"`
	Dir              string `json:"dir,omitempty"`
	Mode             string `json:"mode,omitempty"`
	ResumeToken      string `json:"resume_token,omitempty"`
	Continue         bool   `json:"continue,omitempty"`
	SkipConfirmation bool   `json:"skip_confirmation,omitempty"`
	Rows             int    `json:"rows,omitempty"`
	Cols             int    `json:"cols,omitempty"`
}

func (c *apiClient) create(ctx context.Context, body createBody) (sessionView, error) {
	var out sessionView
	err := c.do(ctx, http.MethodPost, "/api/sessions", body, &out)
	return out, err
}

func (c *apiClient) send(ctx context.Context, ref, text string) error {
	return c.do(ctx, http.MethodPost, sessionPath(ref, "send"), map[string]string{"text": text}, nil)
}

func (c *apiClient) keys(ctx context.Context, ref string, keys []byte) error {
	return c.do(ctx, http.MethodPost, sessionPath(ref, "keys"), map[string]string{"keys": string(keys)}, nil)
}

func (c *apiClient) resume(ctx context.Context, ref string) (sessionView, error) {
	var out sessionView
	err := c.do(ctx, http.MethodPost, sessionPath(ref, "resume"), nil, &out)
	return out, err
}

func (c *apiClient) close(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(ref), nil, nil)
}

// wsURL is the terminal stream endpoint for ref.
func (c *apiClient) wsURL(ref string) string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/sessions/" + url.PathEscape(ref)
}
