package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/ptydeck/internal/scroll"
	"github.com/asheshgoplani/ptydeck/internal/session"
)

const wsWriteTimeout = 10 * time.Second

type wsClientMessage struct {
	// Type is one of ping, input, send, resize, scroll, wheel.
	Type     string  `json:"type"`
	Data     string  `json:"data,omitempty"`
	Cols     int     `json:"cols,omitempty"`
	Rows     int     `json:"rows,omitempty"`
	Position float64 `json:"position,omitempty"`
	Delta    float64 `json:"delta,omitempty"`
	Phase    string  `json:"phase,omitempty"`
}

type wsServerMessage struct {
	Type      string    `json:"type"` // status, screen, wheel, error
	Event     string    `json:"event,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	ReadOnly  bool      `json:"readOnly,omitempty"`
	Lines     []string  `json:"lines,omitempty"`
	Forward   bool      `json:"forward,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return allowWSOrigin(r, s.cfg.AllowedOrigins)
		},
	}
}

func allowWSOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	if strings.EqualFold(originURL.Host, r.Host) {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), origin) || strings.EqualFold(strings.TrimSpace(a), originURL.Host) {
			return true
		}
	}
	return false
}

// handleSessionWS attaches a terminal view: the current screen first, then
// raw output as binary frames until the session ends or the client leaves.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.resolve(w, r)
	if !ok {
		return
	}
	output, unsubscribe, err := s.sessions.Subscribe(sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.WSConnections.Inc()
	defer s.metrics.WSConnections.Dec()

	writer := newWSConnWriter(conn)
	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		SessionID: sessionID,
		ReadOnly:  s.cfg.ReadOnly,
		Time:      time.Now().UTC(),
	})
	if lines, err := s.sessions.Lines(sessionID); err == nil {
		_ = writer.WriteJSON(wsServerMessage{Type: "screen", SessionID: sessionID, Lines: lines})
	}

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for chunk := range output {
			if err := writer.WriteBinary(chunk); err != nil {
				return
			}
		}
		_ = writer.WriteJSON(wsServerMessage{
			Type:      "status",
			Event:     "ended",
			SessionID: sessionID,
			Time:      time.Now().UTC(),
		})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second))
	}()

	s.readWS(r, conn, writer, sessionID)
	unsubscribe()
	<-streamDone
}

func (s *Server) readWS(r *http.Request, conn *websocket.Conn, writer *wsConnWriter, sessionID string) {
	fail := func(code, message string) {
		_ = writer.WriteJSON(wsServerMessage{
			Type:      "error",
			Code:      code,
			Message:   message,
			SessionID: sessionID,
			Time:      time.Now().UTC(),
		})
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			fail("INVALID_MESSAGE", "invalid json payload")
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "pong",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		case "input", "send":
			if s.cfg.ReadOnly {
				fail("READ_ONLY", "input is disabled in read-only mode")
				continue
			}
			var err error
			if msg.Type == "send" {
				err = s.sessions.Send(r.Context(), sessionID, msg.Data)
			} else {
				err = s.sessions.SendKeys(r.Context(), sessionID, []byte(msg.Data))
			}
			if err != nil {
				fail("INPUT_WRITE_FAILED", err.Error())
			}
		case "resize":
			if err := session.ValidateSize(msg.Rows, msg.Cols); err != nil {
				fail("INVALID_SIZE", err.Error())
				continue
			}
			if err := s.sessions.Resize(sessionID, msg.Rows, msg.Cols); err != nil {
				fail("RESIZE_FAILED", err.Error())
			}
		case "scroll":
			if err := s.sessions.Scroll(sessionID, msg.Position); err != nil {
				fail("SCROLL_FAILED", err.Error())
			}
		case "wheel":
			phase, err := parsePhase(msg.Phase)
			if err != nil {
				fail("INVALID_MESSAGE", err.Error())
				continue
			}
			res, err := s.sessions.Wheel(sessionID, scroll.WheelEvent{DeltaLines: msg.Delta, Phase: phase})
			if err != nil {
				fail("SCROLL_FAILED", err.Error())
				continue
			}
			_ = writer.WriteJSON(wsServerMessage{Type: "wheel", SessionID: sessionID, Forward: res == scroll.Forward})
		default:
			fail("UNSUPPORTED_MESSAGE", "supported message types: ping,input,send,resize,scroll,wheel")
		}
	}
}
