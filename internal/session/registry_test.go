package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-bridge/internal/statedb"
	"github.com/asheshgoplani/agent-bridge/internal/workspace"
)

// memStore is an in-memory Store that counts saves.
type memStore struct {
	mu      sync.Mutex
	rows    []*statedb.SessionRow
	saves   int
	saveErr error
	loadErr error
}

func (m *memStore) SaveSessions(rows []*statedb.SessionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows = rows
	return nil
}

func (m *memStore) LoadSessions() ([]*statedb.SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.rows, nil
}

func (m *memStore) snapshot() ([]*statedb.SessionRow, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows, m.saves
}

func newTestRegistry(t *testing.T, store Store) *Registry {
	t.Helper()
	r := NewRegistry(store, 3)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestCreateDefaults(t *testing.T) {
	r := newTestRegistry(t, nil)

	s, err := r.Create(Spec{TmuxSession: "agentbridge_demo_1", ProjectPath: "/p"})
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "agentbridge_demo_1", s.Name)
	assert.Equal(t, "agentbridge_demo_1:", s.PaneRef)
	assert.Equal(t, ModeLocal, s.Mode)
	assert.Equal(t, workspace.Primary, s.WorkspaceType)
	assert.Equal(t, StatusIdle, s.Status)
	assert.False(t, s.PipeActive)
	assert.Empty(t, s.ConnectedClients)
	assert.False(t, s.CreatedAt.IsZero())

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s, got)

	byName, ok := r.GetByTmuxName("agentbridge_demo_1")
	require.True(t, ok)
	assert.Equal(t, s.ID, byName.ID)
}

func TestCreateRejectsDuplicateTmuxName(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Create(Spec{TmuxSession: "dup"})
	require.NoError(t, err)

	_, err = r.Create(Spec{TmuxSession: "dup"})
	assert.ErrorIs(t, err, ErrNameCollision)
	assert.Len(t, r.All(), 1)

	_, err = r.Create(Spec{})
	assert.Error(t, err)
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, _ := r.Create(Spec{TmuxSession: "a"})
	require.NoError(t, r.AddClient(s.ID, "c1"))

	snap, _ := r.Get(s.ID)
	snap.Status = StatusOffline
	snap.ConnectedClients[0] = "mutated"

	again, _ := r.Get(s.ID)
	assert.Equal(t, StatusIdle, again.Status)
	assert.Equal(t, []string{"c1"}, again.ConnectedClients)
}

func TestAllOrderedByCreation(t *testing.T) {
	r := newTestRegistry(t, nil)
	base := time.Unix(1000, 0)
	tick := 0
	r.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	for _, n := range []string{"c", "a", "b"} {
		_, err := r.Create(Spec{TmuxSession: n})
		require.NoError(t, err)
	}
	var names []string
	for _, s := range r.All() {
		names = append(names, s.TmuxSession)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestUpdate(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, _ := r.Create(Spec{TmuxSession: "a"})

	u, err := r.Update(s.ID, Patch{Status: Set(StatusWorking), PipeActive: Set(true)})
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, u.Status)
	assert.True(t, u.PipeActive)
	assert.Equal(t, "a", u.Name, "nil fields untouched")

	_, err = r.Update("missing", Patch{Status: Set(StatusIdle)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, _ := r.Create(Spec{TmuxSession: "a"})
	r.PushOutput(s.ID, "x")

	assert.True(t, r.Remove(s.ID))
	assert.False(t, r.Remove(s.ID))

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	_, ok = r.GetByTmuxName("a")
	assert.False(t, ok)
	assert.Nil(t, r.OutputBuffer(s.ID))
	assert.False(t, r.PushOutput(s.ID, "late chunk"))

	// The name is free again.
	_, err := r.Create(Spec{TmuxSession: "a"})
	assert.NoError(t, err)
}

func TestOutputBufferBounded(t *testing.T) {
	r := newTestRegistry(t, nil) // capacity 3
	s, _ := r.Create(Spec{TmuxSession: "a"})

	for _, c := range []string{"1", "2", "3", "4", "5"} {
		require.True(t, r.PushOutput(s.ID, c))
	}
	assert.Equal(t, []string{"3", "4", "5"}, r.OutputBuffer(s.ID))

	buf := r.OutputBuffer(s.ID)
	buf[0] = "changed"
	assert.Equal(t, []string{"3", "4", "5"}, r.OutputBuffer(s.ID))
}

func TestClients(t *testing.T) {
	r := newTestRegistry(t, nil)
	a, _ := r.Create(Spec{TmuxSession: "a"})
	b, _ := r.Create(Spec{TmuxSession: "b"})

	require.NoError(t, r.AddClient(a.ID, "c1"))
	require.NoError(t, r.AddClient(a.ID, "c2"))
	require.NoError(t, r.AddClient(a.ID, "c1"), "re-adding is harmless")
	require.NoError(t, r.AddClient(b.ID, "c1"))
	assert.ErrorIs(t, r.AddClient("nope", "c1"), ErrNotFound)

	got, _ := r.Get(a.ID)
	assert.Equal(t, []string{"c1", "c2"}, got.ConnectedClients)

	left, err := r.RemoveClient(a.ID, "c2")
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	_, err = r.RemoveClient("nope", "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	emptied := r.RemoveClientFromAll("c1")
	assert.ElementsMatch(t, []string{a.ID, b.ID}, emptied)

	got, _ = r.Get(b.ID)
	assert.Empty(t, got.ConnectedClients)
	assert.Empty(t, r.RemoveClientFromAll("c1"))
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := &memStore{}
	r := NewRegistry(store, 3)

	s, err := r.Create(Spec{
		Name:          "feature",
		TmuxSession:   "agentbridge_feature_1",
		ProjectPath:   "/ws/feature",
		WorkspaceType: workspace.Worktree,
		WorkspaceRepo: "/src/repo",
		AutoLaunched:  true,
	})
	require.NoError(t, err)
	require.NoError(t, r.AddClient(s.ID, "c1"))
	_, err = r.Update(s.ID, Patch{PipeActive: Set(true), Status: Set(StatusWorking)})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	rows, _ := store.snapshot()
	require.Len(t, rows, 1)

	r2 := newTestRegistry(t, store)
	n, err := r2.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := r2.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "feature", got.Name)
	assert.Equal(t, workspace.Worktree, got.WorkspaceType)
	assert.Equal(t, "/src/repo", got.WorkspaceRepo)
	assert.Equal(t, StatusWorking, got.Status)
	assert.True(t, got.AutoLaunched)
	assert.False(t, got.PipeActive, "runtime state is not restored")
	assert.Empty(t, got.ConnectedClients)

	// Loading again does not duplicate.
	n, err = r2.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAsyncSaveCoalesces(t *testing.T) {
	store := &memStore{}
	r := newTestRegistry(t, store)

	for i := 0; i < 50; i++ {
		_, err := r.Create(Spec{TmuxSession: "s" + string(rune('A'+i))})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		rows, _ := store.snapshot()
		return len(rows) == 50
	}, 2*time.Second, 10*time.Millisecond)

	_, saves := store.snapshot()
	assert.LessOrEqual(t, saves, 50)
}

func TestPipeActiveAloneDoesNotPersist(t *testing.T) {
	store := &memStore{}
	r := newTestRegistry(t, store)
	s, _ := r.Create(Spec{TmuxSession: "a"})
	require.NoError(t, r.ForceSave(context.Background()))

	// Drain any pending save triggered by Create.
	require.Eventually(t, func() bool { return len(r.saveCh) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	_, before := store.snapshot()

	_, err := r.Update(s.ID, Patch{PipeActive: Set(true)})
	require.NoError(t, err)
	assert.Len(t, r.saveCh, 0)

	time.Sleep(20 * time.Millisecond)
	_, after := store.snapshot()
	assert.Equal(t, before, after)
}

func TestSaveFailureDoesNotBlockMutation(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	r := newTestRegistry(t, store)

	s, err := r.Create(Spec{TmuxSession: "a"})
	require.NoError(t, err)
	_, ok := r.Get(s.ID)
	assert.True(t, ok)

	assert.Error(t, r.ForceSave(context.Background()))
}

func TestLoadError(t *testing.T) {
	r := newTestRegistry(t, &memStore{loadErr: errors.New("corrupt")})
	_, err := r.Load(context.Background())
	assert.Error(t, err)
}

func TestRegistryWithStateDB(t *testing.T) {
	db, err := statedb.Open(filepath.Join(t.TempDir(), statedb.FileName))
	require.NoError(t, err)
	defer db.Close()

	r := NewRegistry(db, 10)
	s, err := r.Create(Spec{TmuxSession: "agentbridge_x_1", ProjectPath: "/x"})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r2 := newTestRegistry(t, db)
	_, err = r2.Load(context.Background())
	require.NoError(t, err)
	got, ok := r2.GetByTmuxName("agentbridge_x_1")
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "/x", got.ProjectPath)
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t, &memStore{})
	s, _ := r.Create(Spec{TmuxSession: "a"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				_ = r.AddClient(s.ID, client)
				r.PushOutput(s.ID, client)
				_, _ = r.Update(s.ID, Patch{PipeActive: Set(j%2 == 0)})
				_ = r.All()
				_, _ = r.RemoveClient(s.ID, client)
			}
		}(i)
	}
	wg.Wait()

	got, _ := r.Get(s.ID)
	assert.Empty(t, got.ConnectedClients)
	assert.Len(t, r.OutputBuffer(s.ID), 3)
}
