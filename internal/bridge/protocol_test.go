package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/workspace"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		frame string
		want  ClientMessage
	}{
		{`{"type":"list"}`, ListRequest{}},
		{`{"type":"ping"}`, PingRequest{}},
		{`{"type":"create","name":"w","projectPath":"/p","mode":"local","workspaceType":"worktree","autoLaunchAgent":true}`,
			CreateRequest{Name: "w", ProjectPath: "/p", Mode: "local", WorkspaceType: workspace.Worktree, AutoLaunchAgent: true}},
		{`{"type":"connect","sessionId":"s","replay":true}`, ConnectRequest{SessionID: "s", Replay: true}},
		{`{"type":"disconnect","sessionId":"s"}`, DisconnectRequest{SessionID: "s"}},
		{`{"type":"input","sessionId":"s","text":"hi"}`, InputRequest{SessionID: "s", Text: "hi"}},
		{`{"type":"interrupt","sessionId":"s"}`, InterruptRequest{SessionID: "s"}},
		{`{"type":"kill","sessionId":"s"}`, KillRequest{SessionID: "s"}},
		{`{"type":"permission","sessionId":"s","approved":true}`, PermissionRequest{SessionID: "s", Approved: true}},
	}
	for _, tt := range tests {
		got, _, err := DecodeClientMessage([]byte(tt.frame))
		require.NoError(t, err, tt.frame)
		assert.Equal(t, tt.want, got, tt.frame)
	}
}

func TestDecodeClientMessageErrors(t *testing.T) {
	_, _, err := DecodeClientMessage([]byte(`{"type":"bogus"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, sid, err := DecodeClientMessage([]byte(`{"sessionId":"s9"}`))
	assert.Error(t, err)
	assert.Equal(t, "s9", sid)

	_, sid, err = DecodeClientMessage([]byte(`{"type":"permission","sessionId":"s2","approved":"maybe"}`))
	assert.Error(t, err)
	assert.Equal(t, "s2", sid)

	_, _, err = DecodeClientMessage([]byte(`[`))
	assert.Error(t, err)
}

func TestSessionIDOf(t *testing.T) {
	assert.Equal(t, "x", sessionIDOf(KillRequest{SessionID: "x"}))
	assert.Equal(t, "", sessionIDOf(ListRequest{}))
	assert.Equal(t, "", sessionIDOf(CreateRequest{Name: "x"}))
}

func decodeMap(t *testing.T, ev ServerEvent) map[string]any {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestServerEventJSON(t *testing.T) {
	assert.Equal(t, map[string]any{"type": "raw", "sessionId": "s", "data": "\x1b[1mhi"},
		decodeMap(t, RawEvent{SessionID: "s", Data: "\x1b[1mhi"}))
	assert.Equal(t, map[string]any{"type": "status", "sessionId": "s", "status": "working"},
		decodeMap(t, StatusEvent{SessionID: "s", Status: session.StatusWorking}))
	assert.Equal(t, map[string]any{"type": "ended", "sessionId": "s", "reason": "killed"},
		decodeMap(t, EndedEvent{SessionID: "s", Reason: EndReasonKilled}))
	assert.Equal(t, map[string]any{"type": "error", "message": "boom"},
		decodeMap(t, ErrorEvent{Message: "boom"}))
	assert.Equal(t, map[string]any{"type": "list", "sessions": []any{}},
		decodeMap(t, ListEvent{}))

	pong := decodeMap(t, PongEvent{Time: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "2026-01-02T03:04:05Z", pong["time"])

	created := decodeMap(t, CreatedEvent{Session: session.ManagedSession{ID: "id1", TmuxSession: "t"}})
	assert.Equal(t, "created", created["type"])
	assert.Equal(t, "id1", created["session"].(map[string]any)["id"])
}
