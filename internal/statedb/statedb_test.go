package statedb

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRow(id, tmuxName string, created time.Time) *SessionRow {
	return &SessionRow{
		ID:            id,
		Name:          "demo " + id,
		TmuxSession:   tmuxName,
		PaneRef:       tmuxName + ":",
		ProjectPath:   "/tmp/" + id,
		Mode:          "local",
		WorkspaceType: "primary",
		Status:        "idle",
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db := newTestDB(t)
	base := time.Unix(1700000000, 123)

	wt := sampleRow("b", "agentbridge_b_1", base.Add(time.Second))
	wt.WorkspaceType = "worktree"
	wt.WorkspaceRepo = "/src/repo"
	wt.AutoLaunched = true
	wt.Status = "working"

	require.NoError(t, db.SaveSessions([]*SessionRow{wt, sampleRow("a", "agentbridge_a_1", base)}))

	rows, err := db.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "a", rows[0].ID, "ordered by creation")
	assert.True(t, rows[0].CreatedAt.Equal(base))
	assert.Equal(t, "worktree", rows[1].WorkspaceType)
	assert.Equal(t, "/src/repo", rows[1].WorkspaceRepo)
	assert.True(t, rows[1].AutoLaunched)
	assert.Equal(t, "working", rows[1].Status)
}

func TestSaveDeletesMissingRows(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveSessions([]*SessionRow{
		sampleRow("a", "t_a", now),
		sampleRow("b", "t_b", now),
	}))
	require.NoError(t, db.SaveSessions([]*SessionRow{sampleRow("b", "t_b", now)}))

	rows, err := db.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].ID)

	require.NoError(t, db.SaveSessions(nil))
	rows, err = db.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSaveRejectsDuplicateTmuxName(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	err := db.SaveSessions([]*SessionRow{
		sampleRow("a", "same", now),
		sampleRow("b", "same", now),
	})
	require.Error(t, err)

	// Transaction rolled back.
	rows, err := db.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSaveUpdatesInPlaceAndKeepsRowsOnConflict(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	a := sampleRow("a", "agentbridge_a_1", now)
	require.NoError(t, db.SaveSessions([]*SessionRow{a}))

	a.Status = "waiting"
	require.NoError(t, db.SaveSessions([]*SessionRow{a}))
	rows, err := db.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "waiting", rows[0].Status)

	// A new row reusing a's tmux name must fail, not evict a.
	err = db.SaveSessions([]*SessionRow{a, sampleRow("b", "agentbridge_a_1", now)})
	require.Error(t, err)

	rows, err = db.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].ID)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	db1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db1.SaveSessions([]*SessionRow{sampleRow("a", "t_a", time.Now())}))
	require.NoError(t, db1.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	rows, err := db2.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	v, err := db2.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestMetaAndLastModified(t *testing.T) {
	db := newTestDB(t)

	ts, err := db.LastModified()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	v, err := db.GetMeta("missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, db.SetMeta("k", "v"))
	v, err = db.GetMeta("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	before := time.Now()
	require.NoError(t, db.SaveSessions(nil))
	ts, err = db.LastModified()
	require.NoError(t, err)
	assert.False(t, ts.Before(before.Add(-time.Second)))
}

func TestDeleteSession(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SaveSessions([]*SessionRow{sampleRow("a", "t_a", time.Now())}))
	require.NoError(t, db.DeleteSession("a"))

	rows, err := db.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConcurrentSaves(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, db.SaveSessions([]*SessionRow{sampleRow("a", "t_a", now)}))
		}()
	}
	wg.Wait()

	rows, err := db.LoadSessions()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
