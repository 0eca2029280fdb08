package tmuxtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := New()

	require.NoError(t, f.NewSession(ctx, "s1", "/w"))
	require.Error(t, f.NewSession(ctx, "s1", "/w"), "duplicate name")

	ok, err := f.HasSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	path, err := f.PaneCurrentPath(ctx, "s1:")
	require.NoError(t, err)
	assert.Equal(t, "/w", path)

	require.NoError(t, f.SendLiteral(ctx, "s1:", "hi"))
	require.NoError(t, f.SendEnter(ctx, "s1:"))
	require.NoError(t, f.SendInterrupt(ctx, "s1:0.0"))
	assert.Equal(t, []string{"hi", KeyEnter, KeyCtrlC}, f.Sent("s1"))

	f.SetContent("s1", "out")
	out, err := f.CapturePane(ctx, "s1:")
	require.NoError(t, err)
	assert.Equal(t, "out", out)

	boom := errors.New("boom")
	f.FailCapture("s1", boom)
	_, err = f.CapturePane(ctx, "s1:")
	assert.ErrorIs(t, err, boom)

	require.NoError(t, f.KillSession(ctx, "s1"))
	assert.ErrorIs(t, f.KillSession(ctx, "s1"), ErrNoSession)

	names, err := f.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFakePipe(t *testing.T) {
	ctx := context.Background()
	f := New()
	f.AddSession("s1", "")

	require.NoError(t, f.PipePane(ctx, "s1:", "cat >> a"))
	require.NoError(t, f.PipePane(ctx, "s1:", "cat >> b"))
	assert.Equal(t, "cat >> a", f.Pipe("s1"), "-o keeps the existing pipe")

	require.NoError(t, f.StopPipePane(ctx, "s1:"))
	assert.Equal(t, "", f.Pipe("s1"))
}
