package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDiscoverCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Adopt tmux sessions matching the discovery rules",
		Long: `Scan the tmux server once and register every session whose name carries the
bridge prefix or matches a [[discovery.rules]] pattern, then persist the
table so the next serve restores them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			o, err := openOffline(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer o.Close()

			adopted, err := o.life.Discover(cmd.Context())
			if err != nil {
				return err
			}
			if err := o.reg.ForceSave(cmd.Context()); err != nil {
				return fmt.Errorf("save session table: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(adopted) == 0 {
				fmt.Fprintln(out, "no new sessions")
				return nil
			}
			for _, s := range adopted {
				fmt.Fprintf(out, "adopted %s [%s] %s\n", s.TmuxSession, s.Mode, s.ProjectPath)
			}
			return nil
		},
	}
}
