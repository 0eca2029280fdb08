package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-bridge/internal/logging"
	"github.com/asheshgoplani/agent-bridge/internal/statedb"
	"github.com/asheshgoplani/agent-bridge/internal/workspace"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// Store persists the session table. *statedb.StateDB implements it.
type Store interface {
	SaveSessions(rows []*statedb.SessionRow) error
	LoadSessions() ([]*statedb.SessionRow, error)
}

type record struct {
	s       ManagedSession
	clients map[string]struct{}
	output  *OutputBuffer
}

func (r *record) snapshot() ManagedSession {
	s := r.s
	s.ConnectedClients = make([]string, 0, len(r.clients))
	for c := range r.clients {
		s.ConnectedClients = append(s.ConnectedClients, c)
	}
	sort.Strings(s.ConnectedClients)
	return s
}

// Registry is the in-memory source of truth for session records. Every
// mutation is applied synchronously under its lock; persistence happens on
// a background saver that coalesces requests.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record
	byTmux   map[string]string // tmux session name -> id

	bufferChunks int
	now          func() time.Time

	store  Store
	saveMu sync.Mutex
	saveCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewRegistry returns a registry keeping bufferChunks output chunks per
// session. A nil store disables persistence.
func NewRegistry(store Store, bufferChunks int) *Registry {
	r := &Registry{
		sessions:     make(map[string]*record),
		byTmux:       make(map[string]string),
		bufferChunks: bufferChunks,
		now:          time.Now,
		store:        store,
		saveCh:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if store != nil {
		r.wg.Add(1)
		go r.saveLoop()
	}
	return r
}

// Create registers a new session and schedules a save.
func (r *Registry) Create(spec Spec) (ManagedSession, error) {
	if spec.TmuxSession == "" {
		return ManagedSession{}, fmt.Errorf("create session: empty tmux session name")
	}
	now := r.now()
	s := ManagedSession{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		TmuxSession:   spec.TmuxSession,
		PaneRef:       spec.PaneRef,
		ProjectPath:   spec.ProjectPath,
		Mode:          spec.Mode,
		WorkspaceType: spec.WorkspaceType,
		WorkspaceRepo: spec.WorkspaceRepo,
		Status:        spec.Status,
		AutoLaunched:  spec.AutoLaunched,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.Name == "" {
		s.Name = s.TmuxSession
	}
	if s.PaneRef == "" {
		s.PaneRef = s.TmuxSession + ":"
	}
	if s.Mode == "" {
		s.Mode = ModeLocal
	}
	if s.WorkspaceType == "" {
		s.WorkspaceType = workspace.Primary
	}
	if s.Status == "" {
		s.Status = StatusIdle
	}

	r.mu.Lock()
	if _, taken := r.byTmux[s.TmuxSession]; taken {
		r.mu.Unlock()
		return ManagedSession{}, fmt.Errorf("%w: %s", ErrNameCollision, s.TmuxSession)
	}
	rec := &record{s: s, clients: make(map[string]struct{}), output: NewOutputBuffer(r.bufferChunks)}
	r.sessions[s.ID] = rec
	r.byTmux[s.TmuxSession] = s.ID
	snap := rec.snapshot()
	r.mu.Unlock()

	regLog.Info("session_registered",
		slog.String("id", s.ID),
		slog.String("tmux", s.TmuxSession),
		slog.String("mode", s.Mode))
	r.scheduleSave()
	return snap, nil
}

func (r *Registry) Get(id string) (ManagedSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return ManagedSession{}, false
	}
	return rec.snapshot(), true
}

func (r *Registry) GetByTmuxName(name string) (ManagedSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTmux[name]
	if !ok {
		return ManagedSession{}, false
	}
	return r.sessions[id].snapshot(), true
}

// All returns every session ordered by creation time.
func (r *Registry) All() []ManagedSession {
	r.mu.RLock()
	out := make([]ManagedSession, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update merges p into the session and returns the new snapshot. Changes to
// persisted fields schedule a save; PipeActive alone does not.
func (r *Registry) Update(id string, p Patch) (ManagedSession, error) {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ManagedSession{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s := &rec.s
	persist := false
	if p.Name != nil && *p.Name != s.Name {
		s.Name, persist = *p.Name, true
	}
	if p.ProjectPath != nil && *p.ProjectPath != s.ProjectPath {
		s.ProjectPath, persist = *p.ProjectPath, true
	}
	if p.Mode != nil && *p.Mode != s.Mode {
		s.Mode, persist = *p.Mode, true
	}
	if p.Status != nil && *p.Status != s.Status {
		s.Status, persist = *p.Status, true
	}
	if p.AutoLaunched != nil && *p.AutoLaunched != s.AutoLaunched {
		s.AutoLaunched, persist = *p.AutoLaunched, true
	}
	if p.PipeActive != nil {
		s.PipeActive = *p.PipeActive
	}
	if persist {
		s.UpdatedAt = r.now()
	}
	snap := rec.snapshot()
	r.mu.Unlock()

	if persist {
		r.scheduleSave()
	}
	return snap, nil
}

// Remove deletes the session with its buffer and subscribers.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.byTmux, rec.s.TmuxSession)
	}
	r.mu.Unlock()

	if ok {
		regLog.Info("session_removed", slog.String("id", id), slog.String("tmux", rec.s.TmuxSession))
		r.scheduleSave()
	}
	return ok
}

// PushOutput appends a chunk to the session's ring buffer. Unknown ids are
// ignored (the session may have been killed mid-capture).
func (r *Registry) PushOutput(id, chunk string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return false
	}
	rec.output.Push(chunk)
	return true
}

// OutputBuffer returns a copy of the buffered chunks, oldest first.
func (r *Registry) OutputBuffer(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return rec.output.Chunks()
}

// AddClient subscribes clientID to the session.
func (r *Registry) AddClient(id, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.clients[clientID] = struct{}{}
	return nil
}

// RemoveClient unsubscribes clientID and returns how many subscribers
// remain.
func (r *Registry) RemoveClient(id, clientID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(rec.clients, clientID)
	return len(rec.clients), nil
}

// RemoveClientFromAll unsubscribes clientID everywhere and returns the ids
// of sessions it was removed from that now have no subscribers.
func (r *Registry) RemoveClientFromAll(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var emptied []string
	for id, rec := range r.sessions {
		if _, ok := rec.clients[clientID]; !ok {
			continue
		}
		delete(rec.clients, clientID)
		if len(rec.clients) == 0 {
			emptied = append(emptied, id)
		}
	}
	sort.Strings(emptied)
	return emptied
}

// Load restores persisted sessions. Rows whose id or tmux name is already
// registered are skipped. Runtime state (clients, capture) starts empty.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rows, err := r.store.LoadSessions()
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	r.mu.Lock()
	loaded := 0
	for _, row := range rows {
		if _, ok := r.sessions[row.ID]; ok {
			continue
		}
		if _, ok := r.byTmux[row.TmuxSession]; ok {
			continue
		}
		s := fromRow(row)
		r.sessions[s.ID] = &record{s: s, clients: make(map[string]struct{}), output: NewOutputBuffer(r.bufferChunks)}
		r.byTmux[s.TmuxSession] = s.ID
		loaded++
	}
	r.mu.Unlock()

	regLog.Info("sessions_loaded", slog.Int("count", loaded))
	return loaded, nil
}

// ForceSave writes the table synchronously.
func (r *Registry) ForceSave(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.save()
}

// Close stops the saver after one final write.
func (r *Registry) Close() error {
	var err error
	r.closed.Do(func() {
		close(r.done)
		r.wg.Wait()
		if r.store != nil {
			err = r.save()
		}
	})
	return err
}

func (r *Registry) scheduleSave() {
	if r.store == nil {
		return
	}
	select {
	case r.saveCh <- struct{}{}:
	default:
		// A save is already pending and will include this change.
	}
}

func (r *Registry) saveLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.saveCh:
			if err := r.save(); err != nil {
				regLog.Warn("session_save_failed", slog.String("error", err.Error()))
			}
		case <-r.done:
			return
		}
	}
}

func (r *Registry) save() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	rows := make([]*statedb.SessionRow, 0, len(r.sessions))
	for _, rec := range r.sessions {
		rows = append(rows, toRow(rec.s))
	}
	r.mu.RUnlock()

	return r.store.SaveSessions(rows)
}

func toRow(s ManagedSession) *statedb.SessionRow {
	return &statedb.SessionRow{
		ID:            s.ID,
		Name:          s.Name,
		TmuxSession:   s.TmuxSession,
		PaneRef:       s.PaneRef,
		ProjectPath:   s.ProjectPath,
		Mode:          s.Mode,
		WorkspaceType: string(s.WorkspaceType),
		WorkspaceRepo: s.WorkspaceRepo,
		Status:        string(s.Status),
		AutoLaunched:  s.AutoLaunched,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// FromRow converts a persisted row, for readers that bypass the registry
// (the CLI listing the table of a running server).
func FromRow(row *statedb.SessionRow) ManagedSession {
	return fromRow(row)
}

func fromRow(row *statedb.SessionRow) ManagedSession {
	status, err := ParseStatus(row.Status)
	if err != nil {
		status = StatusIdle
	}
	wt, err := workspace.ParseType(row.WorkspaceType)
	if err != nil {
		wt = workspace.Primary
	}
	s := ManagedSession{
		ID:            row.ID,
		Name:          row.Name,
		TmuxSession:   row.TmuxSession,
		PaneRef:       row.PaneRef,
		ProjectPath:   row.ProjectPath,
		Mode:          row.Mode,
		WorkspaceType: wt,
		WorkspaceRepo: row.WorkspaceRepo,
		Status:        status,
		AutoLaunched:  row.AutoLaunched,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if s.PaneRef == "" {
		s.PaneRef = s.TmuxSession + ":"
	}
	if s.Mode == "" {
		s.Mode = ModeLocal
	}
	return s
}
