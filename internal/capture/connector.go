// Package capture mirrors tmux pane content into the session registry.
//
// Each capturing session owns one goroutine that polls the pane, hashes the
// snapshot and forwards it when it changed. When output forwarding is on,
// tmux also pipes the pane into a sink file whose writes wake the poller
// early, so busy panes are picked up between ticks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-bridge/internal/logging"
	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/telemetry"
	"github.com/asheshgoplani/agent-bridge/internal/tmux"
)

var capLog = logging.ForComponent(logging.CompCapture)

const (
	// DefaultPollInterval is used when Options.PollInterval is zero.
	DefaultPollInterval = 500 * time.Millisecond

	// minNudgeGap throttles sink-triggered polls.
	minNudgeGap = 50 * time.Millisecond

	// maxSinkBytes bounds the forwarding sink; it only serves as a wake-up
	// signal so its content is disposable.
	maxSinkBytes = 1 << 20

	teardownTimeout = 2 * time.Second
)

// OutputHandler receives changed snapshots. Calls for one session are made
// sequentially from that session's task goroutine.
type OutputHandler func(sessionID, chunk string)

// Options configures a Connector.
type Options struct {
	PollInterval time.Duration
	// SinkDir holds the pipe-pane sinks. Empty disables output forwarding.
	SinkDir string
	Metrics *telemetry.Metrics
}

type task struct {
	id     string
	pane   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// prev holds the done channels of earlier tasks for the same session
	// that may still be tearing down; they share the sink path.
	prev []chan struct{}

	lastHash uint64
	lastTick time.Time
	sink     string
	watcher  *fsnotify.Watcher
}

// Connector runs capture tasks for registry sessions.
type Connector struct {
	mux      tmux.Multiplexer
	reg      *session.Registry
	interval time.Duration
	sinkDir  string
	metrics  *telemetry.Metrics

	mu       sync.Mutex
	tasks    map[string]*task
	draining map[string][]chan struct{}
	handler  OutputHandler
}

func NewConnector(mux tmux.Multiplexer, reg *session.Registry, opts Options) *Connector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Connector{
		mux:      mux,
		reg:      reg,
		interval: opts.PollInterval,
		sinkDir:  opts.SinkDir,
		metrics:  opts.Metrics,
		tasks:    make(map[string]*task),
		draining: make(map[string][]chan struct{}),
	}
}

// SetOutputHandler installs the receiver for changed snapshots. A nil
// handler drops them after they reach the registry buffer.
func (c *Connector) SetOutputHandler(fn OutputHandler) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Connector) outputHandler() OutputHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// StartCapture begins capturing the session. It is a no-op when a task is
// already running.
func (c *Connector) StartCapture(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}

	c.mu.Lock()
	if _, running := c.tasks[id]; running {
		c.mu.Unlock()
		return nil
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:       id,
		pane:     s.PaneRef,
		ctx:      taskCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		prev:     append([]chan struct{}(nil), c.draining[id]...),
		lastHash: xxhash.Sum64String(""),
	}
	c.tasks[id] = t
	go c.run(t)
	c.mu.Unlock()

	c.metrics.RecordCaptureStart(taskCtx)
	if _, err := c.reg.Update(id, session.Patch{PipeActive: session.Set(true)}); err != nil {
		c.selfStop(t, "failed")
		return err
	}

	// A concurrent StopCapture may have run between registering the task and
	// flagging the session; make sure the flag matches the task table.
	c.mu.Lock()
	current := c.tasks[id] == t
	c.mu.Unlock()
	if !current {
		_, _ = c.reg.Update(id, session.Patch{PipeActive: session.Set(false)})
	}

	capLog.Info("capture_started",
		slog.String("session_id", id),
		slog.String("pane", s.PaneRef),
		slog.Bool("forwarding", c.sinkDir != ""))
	return nil
}

// StopCapture cancels the session's task. Stopping a session that is not
// capturing is a no-op. Teardown of the forwarding pipe finishes in the
// background; StopAll waits for it.
func (c *Connector) StopCapture(ctx context.Context, id string) error {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if ok {
		c.retire(t)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	t.cancel()
	c.metrics.RecordCaptureStop(ctx, "requested")
	if _, err := c.reg.Update(id, session.Patch{PipeActive: session.Set(false)}); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	capLog.Info("capture_stopped", slog.String("session_id", id))
	return nil
}

// StopAll cancels every task and waits for their teardown or ctx.
func (c *Connector) StopAll(ctx context.Context) error {
	c.mu.Lock()
	stopped := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		c.retire(t)
		stopped = append(stopped, t)
	}
	var waits []chan struct{}
	for _, pending := range c.draining {
		waits = append(waits, pending...)
	}
	c.mu.Unlock()

	for _, t := range stopped {
		t.cancel()
		c.metrics.RecordCaptureStop(ctx, "requested")
		_, _ = c.reg.Update(t.id, session.Patch{PipeActive: session.Set(false)})
	}
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(stopped) > 0 {
		capLog.Info("capture_stopped_all", slog.Int("count", len(stopped)))
	}
	return nil
}

// retire moves t from the active table to the draining table. Caller holds
// c.mu.
func (c *Connector) retire(t *task) {
	delete(c.tasks, t.id)
	c.draining[t.id] = append(c.draining[t.id], t.done)
}

// selfStop ends a task from inside its own goroutine (or a failed start).
func (c *Connector) selfStop(t *task, reason string) {
	c.mu.Lock()
	owned := c.tasks[t.id] == t
	if owned {
		c.retire(t)
	}
	c.mu.Unlock()

	t.cancel()
	if !owned {
		return
	}
	c.metrics.RecordCaptureStop(context.Background(), reason)
	_, _ = c.reg.Update(t.id, session.Patch{PipeActive: session.Set(false)})
}

// IsCapturing reports whether a task is active for the session.
func (c *Connector) IsCapturing(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[id]
	return ok
}

// Exists reports whether the multiplexer has a live session by that name.
func (c *Connector) Exists(ctx context.Context, name string) (bool, error) {
	return c.mux.HasSession(ctx, name)
}

// ListAll returns the names of all live multiplexer sessions.
func (c *Connector) ListAll(ctx context.Context) ([]string, error) {
	return c.mux.ListSessions(ctx)
}

func (c *Connector) run(t *task) {
	defer close(t.done)
	defer c.teardown(t)

	for _, prev := range t.prev {
		select {
		case <-prev:
		case <-t.ctx.Done():
			return
		}
	}

	c.enableForwarding(t)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if c.tick(t) {
		return
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if t.watcher != nil {
		events, watchErrs = t.watcher.Events, t.watcher.Errors
	}

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if c.tick(t) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Has(fsnotify.Write) {
				continue
			}
			c.trimSink(t)
			if time.Since(t.lastTick) < minNudgeGap {
				continue
			}
			if c.tick(t) {
				return
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			capLog.Debug("sink_watch_error",
				slog.String("session_id", t.id),
				slog.String("error", err.Error()))
		}
	}
}

// tick captures once. It reports true when the task must end.
func (c *Connector) tick(t *task) bool {
	t.lastTick = time.Now()

	content, err := c.mux.CapturePane(t.ctx, t.pane)
	if t.ctx.Err() != nil {
		return true
	}
	if err != nil {
		capLog.Debug("capture_failed",
			slog.String("session_id", t.id),
			slog.String("pane", t.pane),
			slog.String("error", err.Error()))
		c.selfStop(t, "failed")
		return true
	}

	h := xxhash.Sum64String(content)
	if h == t.lastHash {
		return false
	}
	t.lastHash = h

	if !c.reg.PushOutput(t.id, content) {
		c.selfStop(t, "failed")
		return true
	}
	c.metrics.RecordChunk(t.ctx, len(content))
	logging.Aggregate(logging.CompCapture, "capture_chunk", slog.Int("bytes", len(content)))

	if fn := c.outputHandler(); fn != nil && t.ctx.Err() == nil {
		fn(t.id, content)
	}
	return false
}

// enableForwarding starts pipe-pane into the sink and watches it. Any
// failure leaves the task on plain polling.
func (c *Connector) enableForwarding(t *task) {
	if c.sinkDir == "" {
		return
	}
	if err := os.MkdirAll(c.sinkDir, 0o700); err != nil {
		capLog.Warn("sink_dir_failed", slog.String("dir", c.sinkDir), slog.String("error", err.Error()))
		return
	}
	sink := filepath.Join(c.sinkDir, t.id+".pipe")
	f, err := os.OpenFile(sink, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		capLog.Warn("sink_create_failed", slog.String("path", sink), slog.String("error", err.Error()))
		return
	}
	_ = f.Close()
	t.sink = sink

	if err := c.mux.PipePane(t.ctx, t.pane, "cat >> "+tmux.ShellQuote(sink)); err != nil {
		capLog.Warn("pipe_pane_failed",
			slog.String("session_id", t.id),
			slog.String("error", err.Error()))
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		capLog.Warn("sink_watch_failed", slog.String("path", sink), slog.String("error", err.Error()))
		return
	}
	if err := w.Add(sink); err != nil {
		_ = w.Close()
		capLog.Warn("sink_watch_failed", slog.String("path", sink), slog.String("error", err.Error()))
		return
	}
	t.watcher = w
}

func (c *Connector) trimSink(t *task) {
	info, err := os.Stat(t.sink)
	if err != nil || info.Size() <= maxSinkBytes {
		return
	}
	if err := os.Truncate(t.sink, 0); err != nil {
		capLog.Debug("sink_truncate_failed", slog.String("path", t.sink), slog.String("error", err.Error()))
	}
}

func (c *Connector) teardown(t *task) {
	if t.watcher != nil {
		_ = t.watcher.Close()
	}
	if t.sink != "" {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := c.mux.StopPipePane(ctx, t.pane); err != nil {
			capLog.Debug("pipe_pane_stop_failed",
				slog.String("session_id", t.id),
				slog.String("error", err.Error()))
		}
		cancel()
		if err := os.Remove(t.sink); err != nil && !os.IsNotExist(err) {
			capLog.Debug("sink_remove_failed", slog.String("path", t.sink), slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	pending := c.draining[t.id]
	for i, done := range pending {
		if done == t.done {
			pending = append(pending[:i:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(c.draining, t.id)
	} else {
		c.draining[t.id] = pending
	}
	c.mu.Unlock()
}
