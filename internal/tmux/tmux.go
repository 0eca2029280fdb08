// Package tmux drives the tmux binary: creating and killing detached
// sessions, injecting keys, piping pane output and capturing pane content.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
)

// ErrCaptureTimeout is returned when CapturePane exceeds its timeout.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// Multiplexer is the command contract the bridge needs from a terminal
// multiplexer. Session names address whole sessions; pane refs are tmux
// targets such as "name:" (active pane) or "name:0.1".
type Multiplexer interface {
	NewSession(ctx context.Context, name, workDir string) error
	HasSession(ctx context.Context, name string) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)
	PaneCurrentPath(ctx context.Context, pane string) (string, error)
	SendLiteral(ctx context.Context, pane, text string) error
	SendEnter(ctx context.Context, pane string) error
	SendInterrupt(ctx context.Context, pane string) error
	PipePane(ctx context.Context, pane, sinkCommand string) error
	StopPipePane(ctx context.Context, pane string) error
	CapturePane(ctx context.Context, pane string) (string, error)
	KillSession(ctx context.Context, name string) error
}

// CommandError is a tmux invocation that exited non-zero.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("tmux %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// PaneRef returns the target for the active pane of a session.
func PaneRef(session string) string {
	return session + ":"
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// SanitizeName makes a display name safe for a tmux session name.
func SanitizeName(name string) string {
	return strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-")
}

type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// Client runs tmux commands, optionally against a dedicated server socket.
type Client struct {
	socket         string
	captureTimeout time.Duration
	run            runFunc
	captureSf      singleflight.Group
}

// NewClient returns a Client. An empty socket uses the default tmux server.
func NewClient(socket string) *Client {
	c := &Client{socket: socket, captureTimeout: 3 * time.Second}
	c.run = c.execTmux
	return c
}

// Socket returns the -S path, or "" for the default server.
func (c *Client) Socket() string { return c.socket }

func (c *Client) execTmux(ctx context.Context, args ...string) ([]byte, error) {
	full := args
	if c.socket != "" {
		full = append([]string{"-S", c.socket}, args...)
	}
	cmd := exec.CommandContext(ctx, "tmux", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{
			Args:   args,
			Output: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// Available checks that the tmux binary runs.
func (c *Client) Available(ctx context.Context) error {
	if _, err := c.run(ctx, "-V"); err != nil {
		return fmt.Errorf("tmux not found or not working: %w", err)
	}
	return nil
}

func (c *Client) NewSession(ctx context.Context, name, workDir string) error {
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}
	if _, err := c.run(ctx, "new-session", "-d", "-s", name, "-c", workDir); err != nil {
		return fmt.Errorf("create tmux session %s: %w", name, err)
	}
	return nil
}

// HasSession reports whether a session with exactly this name is live.
// A missing server counts as "no".
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.run(ctx, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// ListSessions returns every live session name. No server, no sessions.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoServer(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list tmux sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func isNoServer(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	return strings.Contains(ce.Output, "no server running") ||
		strings.Contains(ce.Output, "no sessions") ||
		strings.Contains(ce.Output, "error connecting to")
}

func (c *Client) PaneCurrentPath(ctx context.Context, pane string) (string, error) {
	out, err := c.run(ctx, "display-message", "-p", "-t", pane, "#{pane_current_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// SendLiteral types text into the pane. -l stops tmux from interpreting
// words like "Enter" as key names.
func (c *Client) SendLiteral(ctx context.Context, pane, text string) error {
	_, err := c.run(ctx, "send-keys", "-l", "-t", pane, "--", text)
	return err
}

func (c *Client) SendEnter(ctx context.Context, pane string) error {
	_, err := c.run(ctx, "send-keys", "-t", pane, "Enter")
	return err
}

func (c *Client) SendInterrupt(ctx context.Context, pane string) error {
	_, err := c.run(ctx, "send-keys", "-t", pane, "C-c")
	return err
}

// PipePane forwards pane output to sinkCommand (run by tmux through the
// shell). -o leaves an existing pipe in place.
func (c *Client) PipePane(ctx context.Context, pane, sinkCommand string) error {
	_, err := c.run(ctx, "pipe-pane", "-o", "-t", pane, sinkCommand)
	return err
}

// StopPipePane closes any pipe on the pane.
func (c *Client) StopPipePane(ctx context.Context, pane string) error {
	_, err := c.run(ctx, "pipe-pane", "-t", pane)
	return err
}

// CapturePane returns the pane's full scrollback with ANSI escapes kept and
// wrapped lines joined. Concurrent captures of one pane share a single
// tmux invocation.
func (c *Client) CapturePane(ctx context.Context, pane string) (string, error) {
	v, err, _ := c.captureSf.Do(pane, func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, c.captureTimeout)
		defer cancel()
		out, err := c.run(cctx, "capture-pane", "-p", "-e", "-J", "-S", "-", "-t", pane)
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return "", ErrCaptureTimeout
			}
			return "", err
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", "="+name)
	return err
}

// ShellQuote single-quotes s for use inside a tmux shell-command argument.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// SplitIntoChunks splits content into pieces of at most maxSize bytes,
// cutting after the last newline when one exists and hard-splitting
// otherwise on a rune boundary.
func SplitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	for len(content) > maxSize {
		cut := strings.LastIndex(content[:maxSize], "\n")
		if cut > 0 {
			cut++
		} else {
			cut = maxSize
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(content)
			}
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
