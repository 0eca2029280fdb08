// Package tmuxtest provides an in-memory tmux.Multiplexer for tests.
package tmuxtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/asheshgoplani/agent-bridge/internal/tmux"
)

// ErrNoSession is returned for commands against a session the fake does not
// hold, the way tmux answers "can't find session".
var ErrNoSession = errors.New("can't find session")

// Key names recorded in Sent alongside literal text.
const (
	KeyEnter = "<Enter>"
	KeyCtrlC = "<C-c>"
)

type fakeSession struct {
	workDir string
	content string
	sent    []string
	pipe    string
}

// Fake implements tmux.Multiplexer in memory. Error fields, when set, make
// the matching command fail.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	calls    []string

	NewSessionErr error
	ListErr       error
	KillErr       error
	SendErr       error
	PipeErr       error
	PathErr       error
	captureErr    map[string]error
}

var _ tmux.Multiplexer = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		sessions:   make(map[string]*fakeSession),
		captureErr: make(map[string]error),
	}
}

// sessionOf maps a pane ref ("name:", "name:0.1") to its session name.
func sessionOf(pane string) string {
	if i := strings.IndexByte(pane, ':'); i >= 0 {
		return pane[:i]
	}
	return pane
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// AddSession registers a live session as if created outside the bridge.
func (f *Fake) AddSession(name, workDir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = &fakeSession{workDir: workDir}
}

// DropSession removes a session as if it exited on its own.
func (f *Fake) DropSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

// SetContent sets what CapturePane returns for the session.
func (f *Fake) SetContent(name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.content = content
	}
}

// FailCapture makes CapturePane of the session fail with err (nil clears).
func (f *Fake) FailCapture(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.captureErr, name)
		return
	}
	f.captureErr[name] = err
}

// Sent returns literal text and key names sent to the session, in order.
func (f *Fake) Sent(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return slices.Clone(s.sent)
	}
	return nil
}

// WorkDir returns the directory the session was created in.
func (f *Fake) WorkDir(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return s.workDir
	}
	return ""
}

// Pipe returns the active pipe-pane command, "" when none.
func (f *Fake) Pipe(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return s.pipe
	}
	return ""
}

// Calls returns a log of every command issued, e.g. "kill-session x".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *Fake) NewSession(_ context.Context, name, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("new-session %s %s", name, workDir)
	if f.NewSessionErr != nil {
		return f.NewSessionErr
	}
	if _, ok := f.sessions[name]; ok {
		return fmt.Errorf("duplicate session: %s", name)
	}
	f.sessions[name] = &fakeSession{workDir: workDir}
	return nil
}

func (f *Fake) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("has-session %s", name)
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *Fake) ListSessions(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list-sessions")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	names := make([]string, 0, len(f.sessions))
	for n := range f.sessions {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

func (f *Fake) PaneCurrentPath(_ context.Context, pane string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("display-message %s", pane)
	if f.PathErr != nil {
		return "", f.PathErr
	}
	s, ok := f.sessions[sessionOf(pane)]
	if !ok {
		return "", ErrNoSession
	}
	return s.workDir, nil
}

func (f *Fake) send(pane, what string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("send-keys %s %s", pane, what)
	if f.SendErr != nil {
		return f.SendErr
	}
	s, ok := f.sessions[sessionOf(pane)]
	if !ok {
		return ErrNoSession
	}
	s.sent = append(s.sent, what)
	return nil
}

func (f *Fake) SendLiteral(_ context.Context, pane, text string) error {
	return f.send(pane, text)
}

func (f *Fake) SendEnter(_ context.Context, pane string) error {
	return f.send(pane, KeyEnter)
}

func (f *Fake) SendInterrupt(_ context.Context, pane string) error {
	return f.send(pane, KeyCtrlC)
}

func (f *Fake) PipePane(_ context.Context, pane, sinkCommand string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pipe-pane %s", pane)
	if f.PipeErr != nil {
		return f.PipeErr
	}
	s, ok := f.sessions[sessionOf(pane)]
	if !ok {
		return ErrNoSession
	}
	if s.pipe == "" {
		s.pipe = sinkCommand
	}
	return nil
}

func (f *Fake) StopPipePane(_ context.Context, pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pipe-pane-off %s", pane)
	s, ok := f.sessions[sessionOf(pane)]
	if !ok {
		return ErrNoSession
	}
	s.pipe = ""
	return nil
}

func (f *Fake) CapturePane(_ context.Context, pane string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := sessionOf(pane)
	if err := f.captureErr[name]; err != nil {
		return "", err
	}
	s, ok := f.sessions[name]
	if !ok {
		return "", ErrNoSession
	}
	return s.content, nil
}

func (f *Fake) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("kill-session %s", name)
	if f.KillErr != nil {
		return f.KillErr
	}
	if _, ok := f.sessions[name]; !ok {
		return ErrNoSession
	}
	delete(f.sessions, name)
	return nil
}
