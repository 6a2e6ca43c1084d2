package logging

import (
	"bytes"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to io.Writer so a stdlib *log.Logger (for example
// http.Server.ErrorLog) lands in the structured log. A leading "name: "
// prefix, as emitted by net/http ("http: TLS handshake error ..."), is
// lifted into a "source" attribute.
type BridgeWriter struct {
	logger *slog.Logger
}

// NewBridgeWriter returns a writer logging at warn level under component.
func NewBridgeWriter(component string) *BridgeWriter {
	return &BridgeWriter{logger: ForComponent(component)}
}

// Write logs p as one record.
func (w *BridgeWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return len(p), nil
	}

	source, rest := splitSource(msg)
	if source != "" {
		w.logger.Warn(rest, slog.String("source", source))
	} else {
		w.logger.Warn(msg)
	}
	return len(p), nil
}

func splitSource(msg string) (string, string) {
	idx := strings.Index(msg, ": ")
	if idx <= 0 || idx > 16 {
		return "", msg
	}
	prefix := msg[:idx]
	if strings.ContainsAny(prefix, " \t[]") {
		return "", msg
	}
	return strings.ToLower(prefix), msg[idx+2:]
}
