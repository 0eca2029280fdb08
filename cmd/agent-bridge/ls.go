package main

import (
	"encoding/json"
	"errors"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/statedb"
)

func newLsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "ls [query]",
		Aliases: []string{"list"},
		Short:   "List persisted sessions",
		Long: `List the sessions recorded in the state database, newest activity first.

An optional query fuzzy-matches names, tmux names, paths, modes and status.
The table reflects the last state the server saved; it does not query tmux.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := loadPersisted()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				sessions = session.FilterByQuery(sessions, args[0])
			} else {
				sort.SliceStable(sessions, func(i, j int) bool {
					return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
				})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			renderSessions(out, sessions, terminalWidth())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")
	return cmd
}

// loadPersisted reads the session table without starting a registry. A
// missing database means nothing has been recorded yet.
func loadPersisted() ([]session.ManagedSession, error) {
	path, err := stateDBPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return []session.ManagedSession{}, nil
	}
	db, err := statedb.Open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.LoadSessions()
	if err != nil {
		return nil, err
	}
	sessions := make([]session.ManagedSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, session.FromRow(row))
	}
	return sessions, nil
}
