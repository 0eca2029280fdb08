package tmux

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder replaces the exec runner and records every argument list.
type recorder struct {
	mu    sync.Mutex
	calls [][]string
	reply func(args []string) ([]byte, error)
}

func (r *recorder) run(_ context.Context, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), args...))
	r.mu.Unlock()
	if r.reply != nil {
		return r.reply(args)
	}
	return nil, nil
}

func (r *recorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func newRecorded(reply func(args []string) ([]byte, error)) (*Client, *recorder) {
	rec := &recorder{reply: reply}
	c := NewClient("")
	c.run = rec.run
	return c, rec
}

func TestClientCommandArgs(t *testing.T) {
	ctx := context.Background()
	c, rec := newRecorded(nil)

	tests := []struct {
		name string
		call func() error
		want []string
	}{
		{"new-session", func() error { return c.NewSession(ctx, "s1", "/work") },
			[]string{"new-session", "-d", "-s", "s1", "-c", "/work"}},
		{"send literal", func() error { return c.SendLiteral(ctx, "s1:", "Enter -x") },
			[]string{"send-keys", "-l", "-t", "s1:", "--", "Enter -x"}},
		{"send enter", func() error { return c.SendEnter(ctx, "s1:") },
			[]string{"send-keys", "-t", "s1:", "Enter"}},
		{"interrupt", func() error { return c.SendInterrupt(ctx, "s1:") },
			[]string{"send-keys", "-t", "s1:", "C-c"}},
		{"pipe-pane", func() error { return c.PipePane(ctx, "s1:", "cat >> '/tmp/x'") },
			[]string{"pipe-pane", "-o", "-t", "s1:", "cat >> '/tmp/x'"}},
		{"stop pipe", func() error { return c.StopPipePane(ctx, "s1:") },
			[]string{"pipe-pane", "-t", "s1:"}},
		{"kill", func() error { return c.KillSession(ctx, "s1") },
			[]string{"kill-session", "-t", "=s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.call())
			assert.Equal(t, tt.want, rec.last())
		})
	}
}

func TestCapturePaneArgsAndOutput(t *testing.T) {
	c, rec := newRecorded(func(args []string) ([]byte, error) {
		return []byte("\x1b[32mhello\x1b[0m\n"), nil
	})
	out, err := c.CapturePane(context.Background(), "s1:")
	require.NoError(t, err)
	assert.Equal(t, "\x1b[32mhello\x1b[0m\n", out)
	assert.Equal(t, []string{"capture-pane", "-p", "-e", "-J", "-S", "-", "-t", "s1:"}, rec.last())
}

func TestCapturePaneTimeout(t *testing.T) {
	c := NewClient("")
	c.captureTimeout = 20 * time.Millisecond
	c.run = func(ctx context.Context, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := c.CapturePane(context.Background(), "s1:")
	assert.ErrorIs(t, err, ErrCaptureTimeout)
}

func TestCapturePaneDedupesConcurrentCalls(t *testing.T) {
	var n atomic.Int32
	release := make(chan struct{})
	c := NewClient("")
	c.run = func(ctx context.Context, args ...string) ([]byte, error) {
		n.Add(1)
		<-release
		return []byte("x"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.CapturePane(context.Background(), "s1:")
			assert.NoError(t, err)
			assert.Equal(t, "x", out)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, n.Load(), int32(5))
	assert.GreaterOrEqual(t, n.Load(), int32(1))
}

func TestListSessions(t *testing.T) {
	c, _ := newRecorded(func(args []string) ([]byte, error) {
		return []byte("alpha\nagentbridge_x_1\n\n"), nil
	})
	names, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "agentbridge_x_1"}, names)
}

func TestListSessionsNoServer(t *testing.T) {
	c, _ := newRecorded(func(args []string) ([]byte, error) {
		return nil, &CommandError{Args: args, Output: "no server running on /tmp/tmux-0/default", Err: errors.New("exit status 1")}
	})
	names, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListSessionsFailure(t *testing.T) {
	c, _ := newRecorded(func(args []string) ([]byte, error) {
		return nil, &CommandError{Args: args, Output: "permission denied", Err: errors.New("exit status 1")}
	})
	_, err := c.ListSessions(context.Background())
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "permission denied", ce.Output)
}

func TestHasSessionNonExitErrorPropagates(t *testing.T) {
	c, _ := newRecorded(func(args []string) ([]byte, error) {
		return nil, &CommandError{Args: args, Err: exec.ErrNotFound}
	})
	_, err := c.HasSession(context.Background(), "s1")
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Args: []string{"kill-session", "-t", "=x"}, Output: "can't find session: x", Err: errors.New("exit status 1")}
	assert.Equal(t, "tmux kill-session -t =x: exit status 1: can't find session: x", err.Error())
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my-project", SanitizeName("my project"))
	assert.Equal(t, "fix-bug-42", SanitizeName("fix/bug #42!"))
	assert.Equal(t, "a-b", SanitizeName("a.b"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/tmp/a b'`, ShellQuote("/tmp/a b"))
	assert.Equal(t, `'it'"'"'s'`, ShellQuote("it's"))
}

func TestSplitIntoChunks(t *testing.T) {
	assert.Nil(t, SplitIntoChunks("", 10))
	assert.Equal(t, []string{"short"}, SplitIntoChunks("short", 10))
	assert.Equal(t, []string{"line1\n", "line2\n", "line3"}, SplitIntoChunks("line1\nline2\nline3", 8))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, SplitIntoChunks("abcdefghij", 4))

	big := strings.Repeat("x", 100) + "\n" + strings.Repeat("y", 50)
	chunks := SplitIntoChunks(big, 64)
	assert.Equal(t, big, strings.Join(chunks, ""))
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch), 64)
	}
}

func TestSplitIntoChunksKeepsRunesWhole(t *testing.T) {
	text := "a" + strings.Repeat("é", 3000)
	chunks := SplitIntoChunks(text, 4096)
	require.Len(t, chunks, 2)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch))
		assert.LessOrEqual(t, len(ch), 4096)
	}

	// A limit smaller than one rune still makes progress.
	assert.Equal(t, []string{"é", "é"}, SplitIntoChunks("éé", 1))
}

// skipIfNoTmux skips when the tmux binary is missing. Integration tests run
// against a private socket so no user server is touched.
func skipIfNoTmux(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not available")
	}
}

func TestClientIntegration(t *testing.T) {
	skipIfNoTmux(t)
	ctx := context.Background()
	c := NewClient(filepath.Join(t.TempDir(), "tmux.sock"))
	t.Cleanup(func() { _, _ = c.run(context.Background(), "kill-server") })

	names, err := c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	ok, err := c.HasSession(ctx, "itest")
	require.NoError(t, err)
	assert.False(t, ok)

	dir := t.TempDir()
	require.NoError(t, c.NewSession(ctx, "itest", dir))

	ok, err = c.HasSession(ctx, "itest")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err = c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"itest"}, names)

	require.NoError(t, c.SendLiteral(ctx, PaneRef("itest"), "echo bridge-marker"))
	require.NoError(t, c.SendEnter(ctx, PaneRef("itest")))

	require.Eventually(t, func() bool {
		out, err := c.CapturePane(ctx, PaneRef("itest"))
		return err == nil && strings.Count(out, "bridge-marker") >= 2
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, c.KillSession(ctx, "itest"))
	ok, err = c.HasSession(ctx, "itest")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.CapturePane(ctx, PaneRef("itest"))
	assert.Error(t, err)
}
