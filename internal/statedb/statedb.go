// Package statedb persists the bridge's session table in SQLite.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file under the state directory.
const FileName = "state.db"

// StateDB wraps a SQLite database holding the session table.
// Safe for concurrent use; WAL mode plus a busy timeout lets a CLI process
// read while the server writes.
type StateDB struct {
	db *sql.DB
}

// SessionRow is the persisted form of a managed session. Runtime-only state
// (subscribed clients, capture activity) is not stored.
type SessionRow struct {
	ID            string
	Name          string
	TmuxSession   string
	PaneRef       string
	ProjectPath   string
	Mode          string
	WorkspaceType string
	WorkspaceRepo string
	Status        string
	AutoLaunched  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Open creates or opens the database at dbPath and applies pending migrations.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &StateDB{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

const sessionColumns = `id, name, tmux_session, pane_ref, project_path, mode,
	workspace_type, workspace_repo, status, auto_launched, created_at, updated_at`

// SaveSessions replaces the session table with rows in one transaction.
// Rows missing from the list are deleted so killed sessions do not return
// on the next load.
func (s *StateDB) SaveSessions(rows []*SessionRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(rows) == 0 {
		if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
			return fmt.Errorf("statedb: clear sessions: %w", err)
		}
	} else {
		placeholders := make([]string, len(rows))
		args := make([]any, len(rows))
		for i, r := range rows {
			placeholders[i] = "?"
			args[i] = r.ID
		}
		query := "DELETE FROM sessions WHERE id NOT IN (" + strings.Join(placeholders, ",") + ")"
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("statedb: prune sessions: %w", err)
		}
	}

	// An upsert keyed on id only: OR REPLACE would also resolve the
	// tmux_session unique constraint by silently deleting the other row.
	stmt, err := tx.Prepare(`INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tmux_session = excluded.tmux_session,
			pane_ref = excluded.pane_ref,
			project_path = excluded.project_path,
			mode = excluded.mode,
			workspace_type = excluded.workspace_type,
			workspace_repo = excluded.workspace_repo,
			status = excluded.status,
			auto_launched = excluded.auto_launched,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("statedb: prepare save: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(
			r.ID, r.Name, r.TmuxSession, r.PaneRef, r.ProjectPath, r.Mode,
			r.WorkspaceType, r.WorkspaceRepo, r.Status, boolToInt(r.AutoLaunched),
			r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("statedb: save %s: %w", r.ID, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_modified', ?)",
		strconv.FormatInt(time.Now().UnixNano(), 10),
	); err != nil {
		return fmt.Errorf("statedb: touch: %w", err)
	}

	return tx.Commit()
}

// LoadSessions returns every persisted session, oldest first.
func (s *StateDB) LoadSessions() ([]*SessionRow, error) {
	rows, err := s.db.Query("SELECT " + sessionColumns + " FROM sessions ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("statedb: load sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		r := &SessionRow{}
		var auto int
		var created, updated int64
		if err := rows.Scan(
			&r.ID, &r.Name, &r.TmuxSession, &r.PaneRef, &r.ProjectPath, &r.Mode,
			&r.WorkspaceType, &r.WorkspaceRepo, &r.Status, &auto, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("statedb: scan session: %w", err)
		}
		r.AutoLaunched = auto != 0
		r.CreatedAt = time.Unix(0, created)
		if updated > 0 {
			r.UpdatedAt = time.Unix(0, updated)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes one row. Used by the CLI kill path when no server
// is running.
func (s *StateDB) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

// SetMeta sets a key in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta returns a metadata value, or "" if the key is absent.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// LastModified reports when SaveSessions last committed (zero if never).
func (s *StateDB) LastModified() (time.Time, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil || val == "" {
		return time.Time{}, err
	}
	ns, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("statedb: bad last_modified %q: %w", val, err)
	}
	return time.Unix(0, ns), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
