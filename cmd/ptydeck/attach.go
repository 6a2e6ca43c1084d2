package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

// detachKey is Ctrl+Q.
const detachKey = 0x11

// AttachCmd mirrors a session onto this terminal.
type AttachCmd struct {
	Session string `arg:"" help:"Session id, id prefix or name"`
}

type attachMessage struct {
	Type    string   `json:"type"`
	Event   string   `json:"event,omitempty"`
	Code    string   `json:"code,omitempty"`
	Message string   `json:"message,omitempty"`
	Lines   []string `json:"lines,omitempty"`
}

func (a *AttachCmd) Run(cli *CLI) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("attach needs an interactive terminal")
	}

	c := cli.client()
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(c.wsURL(a.Session), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("attach %s: server returned %s", a.Session, resp.Status)
		}
		return fmt.Errorf("attach %s: %w", a.Session, err)
	}
	defer conn.Close()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, oldState) }()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	sendSize := func() {
		if cols, rows, err := term.GetSize(fd); err == nil {
			_ = send(map[string]any{"type": "resize", "rows": rows, "cols": cols})
		}
	}
	sendSize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }
	var (
		endMu      sync.Mutex
		endMessage string
	)
	setEnd := func(m string) {
		endMu.Lock()
		endMessage = m
		endMu.Unlock()
	}

	go func() {
		defer finish()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				_, _ = os.Stdout.Write(data)
				continue
			}
			var msg attachMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch {
			case msg.Type == "screen":
				_, _ = os.Stdout.Write(renderScreen(msg.Lines))
			case msg.Type == "status" && msg.Event == "ended":
				setEnd("session ended")
				return
			case msg.Type == "error":
				setEnd(msg.Message)
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				finish()
				return
			}
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					_ = send(map[string]string{"type": "input", "data": string(chunk[:i])})
				}
				setEnd("detached")
				finish()
				return
			}
			if err := send(map[string]string{"type": "input", "data": string(chunk)}); err != nil {
				finish()
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			writeMu.Unlock()
			_ = term.Restore(fd, oldState)
			endMu.Lock()
			msg := endMessage
			endMu.Unlock()
			if msg != "" {
				fmt.Printf("\r\n[%s]\r\n", msg)
			}
			return nil
		case <-winch:
			sendSize()
		}
	}
}

const wsWriteTimeout = 10 * time.Second

// renderScreen clears the terminal and paints the server's current view so
// the live stream continues from a consistent picture.
func renderScreen(lines []string) []byte {
	var b bytes.Buffer
	b.WriteString("\x1b[H\x1b[2J")
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(l)
	}
	return b.Bytes()
}
