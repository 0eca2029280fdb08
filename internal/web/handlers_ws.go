package web

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-bridge/internal/bridge"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxFrame     = 1 << 20
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin accepts non-browser clients (no Origin) and same-host pages.
func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serialises writes; gorilla connections allow one concurrent
// writer, while bridge broadcasts arrive from capture goroutines.
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

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.bridge == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "bridge is not available")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrame)

	ctx := r.Context()
	clientID := uuid.NewString()
	writer := newWSConnWriter(conn)

	s.bridge.RegisterClient(clientID, func(ev bridge.ServerEvent) error {
		if err := writer.WriteJSON(ev); err != nil {
			// Unblocks the read loop below, which unregisters the client.
			_ = conn.Close()
			return err
		}
		return nil
	})
	defer s.bridge.UnregisterClient(ctx, clientID)

	// Close the socket when the server shuts down so ReadMessage returns.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), int(2*s.cfg.MessagesPerSecond)+1)
	remote := r.RemoteAddr

	webLog.Info("websocket_connected", slog.String("client_id", clientID), slog.String("remote", remote))
	defer webLog.Info("websocket_disconnected", slog.String("client_id", clientID))

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
					slog.String("client_id", clientID),
					slog.String("error", err.Error()))
			}
			return
		}

		if !limiter.Allow() {
			_ = writer.WriteJSON(bridge.ErrorEvent{Message: "rate limit exceeded"})
			continue
		}

		s.bridge.HandleRaw(ctx, clientID, payload)
	}
}
