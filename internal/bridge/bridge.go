// Package bridge connects remote clients to managed sessions. It is
// transport-agnostic: a client is an id plus a Sender, and inbound frames
// arrive through HandleMessage or HandleRaw.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-bridge/internal/capture"
	"github.com/asheshgoplani/agent-bridge/internal/input"
	"github.com/asheshgoplani/agent-bridge/internal/lifecycle"
	"github.com/asheshgoplani/agent-bridge/internal/logging"
	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/telemetry"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

// ErrReadOnly rejects mutating requests on a read-only server.
var ErrReadOnly = errors.New("server is in read-only mode")

// EndReasonKilled is the ended-event reason for an explicit kill.
const EndReasonKilled = "killed"

// Sender delivers one event to a client. It must not call back into the
// bridge.
type Sender func(ServerEvent) error

// Options configures a Bridge.
type Options struct {
	ReadOnly bool
	Metrics  *telemetry.Metrics
}

// Bridge routes client requests to the lifecycle manager, input router and
// capture connector, and fans session events out to clients.
type Bridge struct {
	reg     *session.Registry
	life    *lifecycle.Manager
	conn    *capture.Connector
	input   *input.Router
	metrics *telemetry.Metrics

	readOnly bool

	initMu      sync.Mutex
	initialized bool

	mu      sync.RWMutex
	clients map[string]Sender
	subs    map[string]map[string]struct{} // client id -> session ids
}

// New wires the bridge as the receiver of capture output and reconcile
// transitions, so events fan out before Init runs.
func New(reg *session.Registry, life *lifecycle.Manager, conn *capture.Connector, router *input.Router, opts Options) *Bridge {
	b := &Bridge{
		reg:      reg,
		life:     life,
		conn:     conn,
		input:    router,
		metrics:  opts.Metrics,
		readOnly: opts.ReadOnly,
		clients:  make(map[string]Sender),
		subs:     make(map[string]map[string]struct{}),
	}
	conn.SetOutputHandler(b.broadcastOutput)
	life.OnStatusChange(b.broadcastStatus)
	return b
}

// Init loads persisted sessions, adopts matching tmux sessions, reconciles
// once and starts periodic reconciliation. Calling it again is a no-op.
func (b *Bridge) Init(ctx context.Context) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.initialized {
		return nil
	}

	loaded, err := b.reg.Load(ctx)
	if err != nil {
		return err
	}

	adopted, err := b.life.Discover(ctx)
	if err != nil {
		bridgeLog.Warn("initial_discover_failed", slog.String("error", err.Error()))
	}
	if _, err := b.life.Reconcile(ctx); err != nil {
		bridgeLog.Warn("initial_reconcile_failed", slog.String("error", err.Error()))
	}
	b.life.Start(ctx)

	b.initialized = true
	bridgeLog.Info("bridge_initialized",
		slog.Int("loaded", loaded),
		slog.Int("adopted", len(adopted)),
		slog.Bool("read_only", b.readOnly))
	return nil
}

// Shutdown stops reconciliation and every capture, then writes the session
// table. The bridge may be initialised again afterwards.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	b.life.Stop()
	var errs []error
	if err := b.conn.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop captures: %w", err))
	}
	if err := b.reg.ForceSave(ctx); err != nil {
		errs = append(errs, fmt.Errorf("save sessions: %w", err))
	}
	b.initialized = false
	bridgeLog.Info("bridge_shutdown")
	return errors.Join(errs...)
}

// RegisterClient makes a client addressable. Registering an id again
// replaces its sender and keeps its subscriptions.
func (b *Bridge) RegisterClient(clientID string, send Sender) {
	b.mu.Lock()
	_, existed := b.clients[clientID]
	b.clients[clientID] = send
	if b.subs[clientID] == nil {
		b.subs[clientID] = make(map[string]struct{})
	}
	b.mu.Unlock()

	if !existed {
		b.metrics.RecordClient(context.Background(), 1)
		bridgeLog.Info("client_registered", slog.String("client_id", clientID))
	}
}

// UnregisterClient drops the client from every session it watched and stops
// capture for sessions nobody watches any more.
func (b *Bridge) UnregisterClient(ctx context.Context, clientID string) {
	b.mu.Lock()
	_, known := b.clients[clientID]
	delete(b.clients, clientID)
	delete(b.subs, clientID)
	b.mu.Unlock()

	emptied := b.reg.RemoveClientFromAll(clientID)
	for _, id := range emptied {
		if err := b.conn.StopCapture(ctx, id); err != nil {
			bridgeLog.Warn("capture_stop_failed", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	if known {
		b.metrics.RecordClient(ctx, -1)
		bridgeLog.Info("client_unregistered",
			slog.String("client_id", clientID),
			slog.Int("captures_stopped", len(emptied)))
	}
}

// Subscriptions returns the session ids the client is connected to.
func (b *Bridge) Subscriptions(clientID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs[clientID]))
	for id := range b.subs[clientID] {
		out = append(out, id)
	}
	return out
}

// ClientCount returns the number of registered clients.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleRaw decodes a JSON frame and handles it. Undecodable frames get an
// error event.
func (b *Bridge) HandleRaw(ctx context.Context, clientID string, data []byte) {
	msg, sessionID, err := DecodeClientMessage(data)
	if err != nil {
		b.sendTo(clientID, ErrorEvent{SessionID: sessionID, Message: err.Error()})
		return
	}
	b.HandleMessage(ctx, clientID, msg)
}

// HandleMessage runs one request. Every failure is reported to the
// requester as an error event scoped to the request's session.
func (b *Bridge) HandleMessage(ctx context.Context, clientID string, msg ClientMessage) {
	if !b.isRegistered(clientID) {
		bridgeLog.Warn("message_from_unregistered_client",
			slog.String("client_id", clientID),
			slog.String("type", fmt.Sprintf("%T", msg)))
		return
	}
	if err := b.dispatch(ctx, clientID, msg); err != nil {
		bridgeLog.Debug("request_failed",
			slog.String("client_id", clientID),
			slog.String("type", fmt.Sprintf("%T", msg)),
			slog.String("error", err.Error()))
		b.sendTo(clientID, ErrorEvent{SessionID: sessionIDOf(msg), Message: err.Error()})
	}
}

func (b *Bridge) dispatch(ctx context.Context, clientID string, msg ClientMessage) error {
	if b.readOnly && mutates(msg) {
		return ErrReadOnly
	}

	switch m := msg.(type) {
	case ListRequest:
		b.sendTo(clientID, ListEvent{Sessions: b.reg.All()})
		return nil

	case PingRequest:
		b.sendTo(clientID, PongEvent{Time: time.Now().UTC()})
		return nil

	case CreateRequest:
		s, err := b.life.Launch(ctx, lifecycle.LaunchOptions{
			Name:            m.Name,
			ProjectPath:     m.ProjectPath,
			Mode:            m.Mode,
			WorkspaceType:   m.WorkspaceType,
			TmuxSession:     m.TmuxSession,
			AutoLaunchAgent: m.AutoLaunchAgent,
		})
		if err != nil {
			return err
		}
		b.sendTo(clientID, CreatedEvent{Session: s})
		b.broadcastAll(StatusEvent{SessionID: s.ID, Status: s.Status})
		return nil

	case ConnectRequest:
		return b.connect(ctx, clientID, m)

	case DisconnectRequest:
		return b.disconnect(ctx, clientID, m.SessionID)

	case InputRequest:
		return b.input.SendInput(ctx, m.SessionID, m.Text)

	case InterruptRequest:
		return b.input.SendInterrupt(ctx, m.SessionID)

	case PermissionRequest:
		return b.input.SendPermissionResponse(ctx, m.SessionID, m.Approved)

	case KillRequest:
		if err := b.life.Kill(ctx, m.SessionID); err != nil {
			return err
		}
		b.mu.Lock()
		for _, ids := range b.subs {
			delete(ids, m.SessionID)
		}
		b.mu.Unlock()
		b.broadcastAll(EndedEvent{SessionID: m.SessionID, Reason: EndReasonKilled})
		return nil
	}
	return fmt.Errorf("unsupported message %T", msg)
}

func (b *Bridge) connect(ctx context.Context, clientID string, m ConnectRequest) error {
	s, ok := b.reg.Get(m.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, m.SessionID)
	}

	// Replay is the buffer as it stood before this client subscribed, so it
	// never overlaps with live chunks sent after.
	if m.Replay {
		if chunks := b.reg.OutputBuffer(s.ID); len(chunks) > 0 {
			b.sendTo(clientID, RawEvent{SessionID: s.ID, Data: strings.Join(chunks, "")})
		}
	}

	if err := b.reg.AddClient(s.ID, clientID); err != nil {
		return err
	}
	b.mu.Lock()
	if ids := b.subs[clientID]; ids != nil {
		ids[s.ID] = struct{}{}
	}
	b.mu.Unlock()

	if s.Status != session.StatusOffline {
		if err := b.conn.StartCapture(ctx, s.ID); err != nil {
			// The client gets an error, so it must not stay subscribed.
			_, _ = b.reg.RemoveClient(s.ID, clientID)
			b.mu.Lock()
			delete(b.subs[clientID], s.ID)
			b.mu.Unlock()
			return err
		}
	}
	b.sendTo(clientID, StatusEvent{SessionID: s.ID, Status: s.Status})
	return nil
}

func (b *Bridge) disconnect(ctx context.Context, clientID, sessionID string) error {
	remaining, err := b.reg.RemoveClient(sessionID, clientID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.subs[clientID], sessionID)
	b.mu.Unlock()

	if remaining == 0 {
		return b.conn.StopCapture(ctx, sessionID)
	}
	return nil
}

func (b *Bridge) isRegistered(clientID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.clients[clientID]
	return ok
}

func (b *Bridge) sendTo(clientID string, ev ServerEvent) {
	b.mu.RLock()
	send := b.clients[clientID]
	b.mu.RUnlock()
	if send == nil {
		return
	}
	b.deliver(clientID, send, ev)
	b.metrics.RecordEvent(context.Background(), ev.EventType(), 1)
}

func (b *Bridge) deliver(clientID string, send Sender, ev ServerEvent) {
	if err := send(ev); err != nil {
		bridgeLog.Debug("send_failed",
			slog.String("client_id", clientID),
			slog.String("type", ev.EventType()),
			slog.String("error", err.Error()))
	}
}

// broadcast sends ev to the given clients that are still registered,
// synchronously, before returning.
func (b *Bridge) broadcast(clientIDs []string, ev ServerEvent) int {
	b.mu.RLock()
	targets := make(map[string]Sender, len(clientIDs))
	for _, id := range clientIDs {
		if send, ok := b.clients[id]; ok {
			targets[id] = send
		}
	}
	b.mu.RUnlock()

	for id, send := range targets {
		b.deliver(id, send, ev)
	}
	b.metrics.RecordEvent(context.Background(), ev.EventType(), len(targets))
	return len(targets)
}

func (b *Bridge) broadcastAll(ev ServerEvent) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	b.broadcast(ids, ev)
}

// broadcastOutput is the capture output handler: raw chunks go only to the
// session's subscribers.
func (b *Bridge) broadcastOutput(sessionID, chunk string) {
	s, ok := b.reg.Get(sessionID)
	if !ok {
		return
	}
	n := b.broadcast(s.ConnectedClients, RawEvent{SessionID: sessionID, Data: chunk})
	logging.Aggregate(logging.CompBridge, "raw_broadcast", slog.Int("recipients", n))
}

func (b *Bridge) broadcastStatus(s session.ManagedSession) {
	b.broadcastAll(StatusEvent{SessionID: s.ID, Status: s.Status})
}
