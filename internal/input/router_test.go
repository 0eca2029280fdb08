package input

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/tmux/tmuxtest"
)

func newTestRouter(t *testing.T) (*Router, *tmuxtest.Fake, session.ManagedSession) {
	t.Helper()
	fake := tmuxtest.New()
	reg := session.NewRegistry(nil, 10)
	fake.AddSession("agent", "/tmp")
	s, err := reg.Create(session.Spec{TmuxSession: "agent"})
	require.NoError(t, err)

	r := NewRouter(fake, reg, nil)
	r.chunkDelay, r.enterDelay = 0, 0
	return r, fake, s
}

func TestSendInput(t *testing.T) {
	r, fake, s := newTestRouter(t)
	require.NoError(t, r.SendInput(context.Background(), s.ID, "fix the tests"))
	assert.Equal(t, []string{"fix the tests", tmuxtest.KeyEnter}, fake.Sent("agent"))
}

func TestSendInputEmptyOnlySubmits(t *testing.T) {
	r, fake, s := newTestRouter(t)
	require.NoError(t, r.SendInput(context.Background(), s.ID, ""))
	assert.Equal(t, []string{tmuxtest.KeyEnter}, fake.Sent("agent"))
}

func TestSendInputChunksLargeText(t *testing.T) {
	r, fake, s := newTestRouter(t)
	line := strings.Repeat("x", 99) + "\n"
	text := strings.Repeat(line, 100) // 10000 bytes

	require.NoError(t, r.SendInput(context.Background(), s.ID, text))

	sent := fake.Sent("agent")
	require.Greater(t, len(sent), 2)
	assert.Equal(t, tmuxtest.KeyEnter, sent[len(sent)-1])
	chunks := sent[:len(sent)-1]
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), ChunkSize)
		assert.True(t, strings.HasSuffix(c, "\n"), "chunks end on a line boundary")
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSendInterrupt(t *testing.T) {
	r, fake, s := newTestRouter(t)
	require.NoError(t, r.SendInterrupt(context.Background(), s.ID))
	assert.Equal(t, []string{tmuxtest.KeyCtrlC}, fake.Sent("agent"))
}

func TestSendPermissionResponse(t *testing.T) {
	r, fake, s := newTestRouter(t)
	ctx := context.Background()
	require.NoError(t, r.SendPermissionResponse(ctx, s.ID, true))
	require.NoError(t, r.SendPermissionResponse(ctx, s.ID, false))
	assert.Equal(t, []string{"y", tmuxtest.KeyEnter, "n", tmuxtest.KeyEnter}, fake.Sent("agent"))
}

func TestUnknownSession(t *testing.T) {
	r, fake, _ := newTestRouter(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.SendInput(ctx, "nope", "hi"), session.ErrNotFound)
	assert.ErrorIs(t, r.SendInterrupt(ctx, "nope"), session.ErrNotFound)
	assert.ErrorIs(t, r.SendPermissionResponse(ctx, "nope", true), session.ErrNotFound)
	assert.Empty(t, fake.Calls())
}

func TestWriteFailurePropagates(t *testing.T) {
	r, fake, s := newTestRouter(t)
	boom := errors.New("pane is dead")
	fake.SendErr = boom

	err := r.SendInput(context.Background(), s.ID, "hello")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, fake.Calls(), 1, "no retry")
}

func TestCancelledContextStopsChunking(t *testing.T) {
	r, fake, s := newTestRouter(t)
	r.chunkDelay = 1 << 40
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.SendInput(ctx, s.ID, strings.Repeat("y\n", 5000))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, fake.Sent("agent"), 1)
}
