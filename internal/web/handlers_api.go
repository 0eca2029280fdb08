package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-bridge/internal/session"
)

type sessionsResponse struct {
	Sessions []session.ManagedSession `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"ok":       true,
		"readOnly": s.cfg.ReadOnly,
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	if s.registry != nil {
		resp["sessions"] = len(s.registry.All())
	}
	if s.bridge != nil {
		resp["clients"] = s.bridge.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessions returns the registry snapshot, optionally fuzzy-filtered by
// ?q=.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.registry == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "session registry is not available")
		return
	}

	sessions := s.registry.All()
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		sessions = session.FilterByQuery(sessions, q)
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}
