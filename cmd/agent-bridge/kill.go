package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKillCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id|tmux-name>",
		Short: "Kill a session and clean up its workspace",
		Long: `Kill the tmux session, remove its worktree or copy workspace, and drop it
from the state database.

Run this while the server is stopped; a running server keeps its own table
and will write the session back on its next save.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			o, err := openOffline(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer o.Close()

			s, err := o.resolveSession(args[0])
			if err != nil {
				return err
			}
			if err := o.life.Kill(cmd.Context(), s.ID); err != nil {
				return err
			}
			if err := o.reg.ForceSave(cmd.Context()); err != nil {
				return fmt.Errorf("save session table: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %s (%s)\n", s.Name, s.TmuxSession)
			return nil
		},
	}
}
