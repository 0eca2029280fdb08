package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to an io.Writer for APIs that only accept a
// *log.Logger, such as http.Server.ErrorLog. A leading "[prefix] " is lifted
// into the component attribute; the "http: " prefix net/http uses is mapped
// to the web component.
type BridgeWriter struct {
	component string
	level     slog.Level
}

func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent, level: slog.LevelWarn}
}

func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	for _, line := range bytes.Split(p, []byte("\n")) {
		msg := strings.TrimSpace(stripLogTimestamp(string(bytes.TrimSpace(line))))
		if msg == "" {
			continue
		}
		component, msg := splitComponent(msg, bw.component)
		Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	}
	return n, nil
}

func splitComponent(msg, fallback string) (string, string) {
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 1 {
			return canonicalComponent(strings.ToLower(msg[1:idx])), msg[idx+2:]
		}
	}
	if rest, ok := strings.CutPrefix(msg, "http: "); ok {
		return CompWeb, rest
	}
	return canonicalComponent(fallback), msg
}

// stripLogTimestamp removes a "15:04:05" or "15:04:05.000000" prefix that the
// standard log package adds when flags are set.
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "http", "ws", "websocket", "server":
		return CompWeb
	case "tmux", "pipe", "capture":
		return CompCapture
	case "send", "input":
		return CompInput
	case "db", "sqlite", "storage":
		return CompStorage
	case "git", "worktree", "workspace":
		return CompWorkspace
	case "otel", "telemetry":
		return CompTelemetry
	default:
		return cat
	}
}
