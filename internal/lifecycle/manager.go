// Package lifecycle creates, adopts, kills and reconciles managed sessions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/asheshgoplani/agent-bridge/internal/config"
	"github.com/asheshgoplani/agent-bridge/internal/logging"
	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/telemetry"
	"github.com/asheshgoplani/agent-bridge/internal/tmux"
	"github.com/asheshgoplani/agent-bridge/internal/workspace"
)

var lifeLog = logging.ForComponent(logging.CompLifecycle)

// DefaultReconcileInterval is used when Options.ReconcileInterval is zero.
const DefaultReconcileInterval = 10 * time.Second

// CaptureStopper is the slice of the capture connector the manager needs.
type CaptureStopper interface {
	StopCapture(ctx context.Context, id string) error
}

// Options configures a Manager. Zero values fall back to the config
// defaults.
type Options struct {
	Prefix            string
	Rules             []config.DiscoveryRule
	AgentCommand      string
	ReconcileInterval time.Duration
	Metrics           *telemetry.Metrics
	Tracer            trace.Tracer
}

// LaunchOptions describes a session to create. Empty TmuxSession derives a
// name from Name; empty ProjectPath means the user's home directory.
type LaunchOptions struct {
	Name            string
	ProjectPath     string
	Mode            string
	WorkspaceType   workspace.Type
	TmuxSession     string
	AutoLaunchAgent bool
}

type rule struct {
	re   *regexp.Regexp
	mode string
}

// Manager owns session creation and teardown. It coordinates the
// multiplexer, the workspace provisioner, the capture connector and the
// registry, and never holds a lock across those calls.
type Manager struct {
	mux     tmux.Multiplexer
	reg     *session.Registry
	capture CaptureStopper
	prov    *workspace.Provisioner

	prefix   string
	rules    []rule
	agentCmd string
	interval time.Duration
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	hookMu   sync.RWMutex
	onStatus func(session.ManagedSession)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager compiles the discovery rules; an invalid pattern is an error.
func NewManager(mux tmux.Multiplexer, reg *session.Registry, capture CaptureStopper, prov *workspace.Provisioner, opts Options) (*Manager, error) {
	m := &Manager{
		mux:      mux,
		reg:      reg,
		capture:  capture,
		prov:     prov,
		prefix:   config.DiscoverySettings{Prefix: opts.Prefix}.GetPrefix(),
		agentCmd: config.AgentSettings{Command: opts.AgentCommand}.GetCommand(),
		interval: opts.ReconcileInterval,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      time.Now,
	}
	if m.interval <= 0 {
		m.interval = DefaultReconcileInterval
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("agent-bridge/lifecycle")
	}
	rules := opts.Rules
	if rules == nil {
		rules = config.DefaultRules
	}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("discovery rule %q: %w", r.Pattern, err)
		}
		mode := r.Mode
		if mode == "" {
			mode = session.ModeLocal
		}
		m.rules = append(m.rules, rule{re: re, mode: mode})
	}
	return m, nil
}

// OnStatusChange installs a hook called for every transition applied by
// Reconcile.
func (m *Manager) OnStatusChange(fn func(session.ManagedSession)) {
	m.hookMu.Lock()
	m.onStatus = fn
	m.hookMu.Unlock()
}

func (m *Manager) statusHook() func(session.ManagedSession) {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.onStatus
}

// settle logs an advisory failure and returns a fatal one.
func (m *Manager) settle(op string, r session.StepResult) error {
	if !r.Failed() {
		return nil
	}
	if r.IsFatal() {
		return r.AsError()
	}
	lifeLog.Warn("step_failed",
		slog.String("op", op),
		slog.String("step", r.Step),
		slog.String("error", r.Err.Error()))
	return nil
}

// TmuxName derives the multiplexer session name for a display name.
func (m *Manager) TmuxName(name string) string {
	base := tmux.SanitizeName(name)
	if base == "" {
		base = "session"
	}
	return fmt.Sprintf("%s%s_%d", m.prefix, base, m.now().Unix())
}

// Launch creates a tmux session in a freshly provisioned workspace and
// registers it.
func (m *Manager) Launch(ctx context.Context, opts LaunchOptions) (session.ManagedSession, error) {
	start := m.now()
	ctx, span := m.tracer.Start(ctx, "lifecycle.launch", trace.WithAttributes(
		attribute.String("session.name", opts.Name),
		attribute.String("workspace.type", string(opts.WorkspaceType)),
	))
	defer span.End()

	s, err := m.launch(ctx, opts)
	m.metrics.RecordLaunch(ctx, string(opts.WorkspaceType), err == nil, m.now().Sub(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lifeLog.Warn("launch_failed",
			slog.String("name", opts.Name),
			slog.String("error", err.Error()))
		return session.ManagedSession{}, err
	}
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.String("tmux.session", s.TmuxSession))
	return s, nil
}

func (m *Manager) launch(ctx context.Context, opts LaunchOptions) (session.ManagedSession, error) {
	name := opts.TmuxSession
	if name == "" {
		name = m.TmuxName(opts.Name)
	} else if strings.ContainsAny(name, ":.") || strings.TrimSpace(name) == "" {
		return session.ManagedSession{}, fmt.Errorf("invalid tmux session name %q", name)
	}

	if _, tracked := m.reg.GetByTmuxName(name); tracked {
		return session.ManagedSession{}, fmt.Errorf("%w: %s", session.ErrNameCollision, name)
	}
	live, err := m.mux.HasSession(ctx, name)
	if err := m.settle("launch", session.Fatal("check tmux session", err)); err != nil {
		return session.ManagedSession{}, err
	}
	if live {
		return session.ManagedSession{}, fmt.Errorf("%w: %s", session.ErrNameCollision, name)
	}

	projectPath := opts.ProjectPath
	if projectPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return session.ManagedSession{}, fmt.Errorf("resolve project path: %w", err)
		}
		projectPath = home
	}

	ws, err := m.prov.Provision(ctx, opts.WorkspaceType, projectPath, name)
	if err := m.settle("launch", session.Fatal("provision workspace", err)); err != nil {
		return session.ManagedSession{}, err
	}

	if err := m.settle("launch", session.Fatal("create tmux session", m.mux.NewSession(ctx, name, ws.Path))); err != nil {
		m.settle("launch", session.Advisory("clean up workspace", m.prov.Cleanup(ctx, ws)))
		return session.ManagedSession{}, err
	}

	displayName := opts.Name
	if displayName == "" {
		displayName = name
	}
	s, err := m.reg.Create(session.Spec{
		Name:          displayName,
		TmuxSession:   name,
		PaneRef:       tmux.PaneRef(name),
		ProjectPath:   ws.Path,
		Mode:          opts.Mode,
		WorkspaceType: ws.Type,
		WorkspaceRepo: ws.Repo,
		Status:        session.StatusIdle,
	})
	if err != nil {
		// Lost a race with a concurrent launch or discovery of the same name.
		m.settle("launch", session.Advisory("kill tmux session", m.mux.KillSession(ctx, name)))
		m.settle("launch", session.Advisory("clean up workspace", m.prov.Cleanup(ctx, ws)))
		return session.ManagedSession{}, err
	}

	lifeLog.Info("session_launched",
		slog.String("id", s.ID),
		slog.String("tmux", name),
		slog.String("workspace", string(ws.Type)),
		slog.String("path", ws.Path))

	if opts.AutoLaunchAgent {
		err := m.startAgent(ctx, s.PaneRef)
		m.settle("launch", session.Advisory("start agent", err))
		if err == nil {
			if updated, err := m.reg.Update(s.ID, session.Patch{
				Status:       session.Set(session.StatusWorking),
				AutoLaunched: session.Set(true),
			}); err == nil {
				s = updated
			}
		}
	}
	return s, nil
}

func (m *Manager) startAgent(ctx context.Context, pane string) error {
	if err := m.mux.SendLiteral(ctx, pane, m.agentCmd); err != nil {
		return err
	}
	return m.mux.SendEnter(ctx, pane)
}

func (m *Manager) match(name string) (string, bool) {
	if strings.HasPrefix(name, m.prefix) {
		return session.ModeLocal, true
	}
	for _, r := range m.rules {
		if r.re.MatchString(name) {
			return r.mode, true
		}
	}
	return "", false
}

// Discover adopts live tmux sessions that match the naming rules and are
// not yet tracked. It returns the sessions it registered.
func (m *Manager) Discover(ctx context.Context) ([]session.ManagedSession, error) {
	names, err := m.mux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover: list sessions: %w", err)
	}

	var adopted []session.ManagedSession
	for _, name := range names {
		if _, tracked := m.reg.GetByTmuxName(name); tracked {
			continue
		}
		mode, ok := m.match(name)
		if !ok {
			continue
		}

		pane := tmux.PaneRef(name)
		cwd, err := m.mux.PaneCurrentPath(ctx, pane)
		if err != nil {
			lifeLog.Debug("pane_path_unavailable", slog.String("tmux", name), slog.String("error", err.Error()))
			cwd = ""
		}

		s, err := m.reg.Create(session.Spec{
			Name:          name,
			TmuxSession:   name,
			PaneRef:       pane,
			ProjectPath:   cwd,
			Mode:          mode,
			WorkspaceType: workspace.Primary,
			Status:        session.StatusIdle,
		})
		if errors.Is(err, session.ErrNameCollision) {
			continue
		}
		if err != nil {
			return adopted, err
		}
		adopted = append(adopted, s)
		lifeLog.Info("session_adopted",
			slog.String("id", s.ID),
			slog.String("tmux", name),
			slog.String("mode", mode))
	}
	return adopted, nil
}

// Kill tears a session down: capture, tmux session, workspace, and finally
// the registry record. Only the missing-session case is an error.
func (m *Manager) Kill(ctx context.Context, id string) error {
	s, ok := m.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	ctx, span := m.tracer.Start(ctx, "lifecycle.kill", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("tmux.session", s.TmuxSession),
	))
	defer span.End()

	m.settle("kill", session.Advisory("stop capture", m.capture.StopCapture(ctx, id)))
	m.settle("kill", session.Advisory("kill tmux session", m.mux.KillSession(ctx, s.TmuxSession)))
	m.settle("kill", session.Advisory("clean up workspace", m.prov.Cleanup(ctx, s.Workspace())))
	m.reg.Remove(id)

	lifeLog.Info("session_killed", slog.String("id", id), slog.String("tmux", s.TmuxSession))
	return nil
}

// Reconcile aligns session status with the live tmux sessions and returns
// the sessions whose status changed. Failing to list sessions aborts the
// pass.
func (m *Manager) Reconcile(ctx context.Context) ([]session.ManagedSession, error) {
	names, err := m.mux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list sessions: %w", err)
	}
	live := make(map[string]struct{}, len(names))
	for _, n := range names {
		live[n] = struct{}{}
	}

	hook := m.statusHook()
	var changed []session.ManagedSession
	for _, s := range m.reg.All() {
		_, alive := live[s.TmuxSession]
		var next session.Status
		switch {
		case !alive && s.Status != session.StatusOffline:
			next = session.StatusOffline
			m.settle("reconcile", session.Advisory("stop capture", m.capture.StopCapture(ctx, s.ID)))
		case alive && s.Status == session.StatusOffline:
			next = session.StatusIdle
		default:
			continue
		}

		updated, err := m.reg.Update(s.ID, session.Patch{Status: session.Set(next)})
		if err != nil {
			// Killed while we were looking at it.
			continue
		}
		changed = append(changed, updated)
		m.metrics.RecordTransition(ctx, string(next))
		lifeLog.Info("status_reconciled",
			slog.String("id", s.ID),
			slog.String("tmux", s.TmuxSession),
			slog.String("from", string(s.Status)),
			slog.String("to", string(next)))
		if hook != nil {
			hook(updated)
		}
	}
	return changed, nil
}

// Start runs Reconcile every interval until Stop or ctx is cancelled. A
// second Start while running does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	lifeLog.Info("reconciler_started", slog.Duration("interval", m.interval))
}

// Stop cancels the reconciler and waits for it to exit. Safe to call when
// not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	lifeLog.Info("reconciler_stopped")
}

// Running reports whether the periodic reconciler is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
				lifeLog.Warn("reconcile_failed", slog.String("error", err.Error()))
			}
		}
	}
}
