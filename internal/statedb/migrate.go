package statedb

import (
	"fmt"
	"strconv"
)

// SchemaVersion is the version Migrate brings a database to.
const SchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1.
var migrations = []string{
	// 0 -> 1: initial schema.
	`CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		tmux_session   TEXT NOT NULL UNIQUE,
		pane_ref       TEXT NOT NULL DEFAULT '',
		project_path   TEXT NOT NULL DEFAULT '',
		mode           TEXT NOT NULL DEFAULT 'local',
		workspace_type TEXT NOT NULL DEFAULT 'primary',
		workspace_repo TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'idle',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL DEFAULT 0
	)`,
	// 1 -> 2: remember whether the agent command was injected at launch.
	`ALTER TABLE sessions ADD COLUMN auto_launched INTEGER NOT NULL DEFAULT 0`,
}

// Migrate creates the metadata table if needed and applies every migration
// newer than the stored schema_version, all in one transaction.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current := 0
	var raw string
	err = tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&raw)
	if err == nil {
		if current, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("statedb: bad schema_version %q: %w", raw, err)
		}
	}
	if current > SchemaVersion {
		return fmt.Errorf("statedb: schema version %d is newer than supported %d", current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		if _, err := tx.Exec(migrations[v]); err != nil {
			return fmt.Errorf("statedb: migrate to v%d: %w", v+1, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}
