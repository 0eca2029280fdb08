// Package input delivers client keystrokes to session panes.
package input

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/asheshgoplani/agent-bridge/internal/logging"
	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/telemetry"
	"github.com/asheshgoplani/agent-bridge/internal/tmux"
)

var inputLog = logging.ForComponent(logging.CompInput)

const (
	// ChunkSize is the largest literal sent in one send-keys call.
	ChunkSize = 4096

	defaultChunkDelay = 50 * time.Millisecond
	// tmux 3.2+ wraps send-keys -l in bracketed paste; an Enter arriving in
	// the same read as the paste-end marker is swallowed by Ink and curses
	// apps.
	defaultEnterDelay = 100 * time.Millisecond
)

// Router sends text and control keys to the pane of a registered session.
// Write failures are returned as-is; nothing is retried.
type Router struct {
	mux     tmux.Multiplexer
	reg     *session.Registry
	metrics *telemetry.Metrics

	chunkDelay time.Duration
	enterDelay time.Duration
}

func NewRouter(mux tmux.Multiplexer, reg *session.Registry, metrics *telemetry.Metrics) *Router {
	return &Router{
		mux:        mux,
		reg:        reg,
		metrics:    metrics,
		chunkDelay: defaultChunkDelay,
		enterDelay: defaultEnterDelay,
	}
}

func (r *Router) pane(id string) (string, error) {
	s, ok := r.reg.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return s.PaneRef, nil
}

// SendInput types text into the pane and submits it with Enter.
func (r *Router) SendInput(ctx context.Context, id, text string) error {
	pane, err := r.pane(id)
	if err != nil {
		return err
	}
	if err := r.sendLiteral(ctx, pane, text); err != nil {
		return err
	}
	if text != "" {
		if err := sleep(ctx, r.enterDelay); err != nil {
			return err
		}
	}
	if err := r.mux.SendEnter(ctx, pane); err != nil {
		return fmt.Errorf("send enter: %w", err)
	}
	r.metrics.RecordInput(ctx, "text")
	logging.Aggregate(logging.CompInput, "input_sent", slog.Int("bytes", len(text)))
	return nil
}

// sendLiteral sends text literally, splitting it at newlines when it is
// larger than ChunkSize.
func (r *Router) sendLiteral(ctx context.Context, pane, text string) error {
	if text == "" {
		return nil
	}
	if len(text) <= ChunkSize {
		if err := r.mux.SendLiteral(ctx, pane, text); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		return nil
	}

	chunks := tmux.SplitIntoChunks(text, ChunkSize)
	for i, chunk := range chunks {
		if err := r.mux.SendLiteral(ctx, pane, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			if err := sleep(ctx, r.chunkDelay); err != nil {
				return err
			}
		}
	}
	inputLog.Debug("input_chunked", slog.String("pane", pane), slog.Int("chunks", len(chunks)))
	return nil
}

// SendInterrupt sends Ctrl+C.
func (r *Router) SendInterrupt(ctx context.Context, id string) error {
	pane, err := r.pane(id)
	if err != nil {
		return err
	}
	if err := r.mux.SendInterrupt(ctx, pane); err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}
	r.metrics.RecordInput(ctx, "interrupt")
	inputLog.Info("interrupt_sent", slog.String("session_id", id))
	return nil
}

// SendPermissionResponse answers a y/n prompt.
func (r *Router) SendPermissionResponse(ctx context.Context, id string, approved bool) error {
	pane, err := r.pane(id)
	if err != nil {
		return err
	}
	answer := "n"
	if approved {
		answer = "y"
	}
	if err := r.mux.SendLiteral(ctx, pane, answer); err != nil {
		return fmt.Errorf("send permission response: %w", err)
	}
	if err := r.mux.SendEnter(ctx, pane); err != nil {
		return fmt.Errorf("send enter: %w", err)
	}
	r.metrics.RecordInput(ctx, "permission")
	inputLog.Info("permission_answered",
		slog.String("session_id", id),
		slog.Bool("approved", approved))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
