package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-bridge/internal/capture"
	"github.com/asheshgoplani/agent-bridge/internal/config"
	"github.com/asheshgoplani/agent-bridge/internal/lifecycle"
	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/statedb"
	"github.com/asheshgoplani/agent-bridge/internal/tmux"
	"github.com/asheshgoplani/agent-bridge/internal/workspace"
)

// globalFlags override the matching config.toml values when set.
type globalFlags struct {
	socket   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "agent-bridge",
		Short: "Bridge tmux-hosted coding agents to remote clients",
		Long: `agent-bridge launches, adopts and tears down AI coding agent sessions running
in tmux, and streams their terminal output to any number of WebSocket
clients, routing keystrokes, interrupts and permission answers back.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.socket, "socket", envOrDefault("AGENT_BRIDGE_TMUX_SOCKET", ""), "tmux server socket path (default: tmux default server)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")

	root.AddCommand(
		newServeCmd(g),
		newLsCmd(),
		newKillCmd(g),
		newDiscoverCmd(g),
		newConfigCmd(),
	)
	return root
}

// loadConfig reads config.toml and applies the global flag overrides. A
// malformed file is an error: silently running on defaults would hide it.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	out := *cfg
	if g.socket != "" {
		out.Tmux.Socket = g.socket
	}
	if g.logLevel != "" {
		out.Logs.Level = g.logLevel
	}
	return &out, nil
}

func stateDBPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, statedb.FileName), nil
}

// offline is the component set one-shot commands use: the persisted
// registry plus a lifecycle manager with no capture running.
type offline struct {
	db   *statedb.StateDB
	reg  *session.Registry
	life *lifecycle.Manager
}

func openOffline(ctx context.Context, cfg *config.Config) (*offline, error) {
	path, err := stateDBPath()
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(path)
	if err != nil {
		return nil, err
	}
	reg := session.NewRegistry(db, cfg.Capture.GetBufferChunks())
	if _, err := reg.Load(ctx); err != nil {
		_ = reg.Close()
		_ = db.Close()
		return nil, err
	}

	root, err := cfg.WorkspaceRoot()
	if err != nil {
		_ = reg.Close()
		_ = db.Close()
		return nil, err
	}
	mux := tmux.NewClient(cfg.Tmux.Socket)
	conn := capture.NewConnector(mux, reg, capture.Options{})
	life, err := lifecycle.NewManager(mux, reg, conn, workspace.NewProvisioner(root), lifecycle.Options{
		Prefix:       cfg.Discovery.GetPrefix(),
		Rules:        cfg.Discovery.GetRules(),
		AgentCommand: cfg.Agent.GetCommand(),
	})
	if err != nil {
		_ = reg.Close()
		_ = db.Close()
		return nil, err
	}
	return &offline{db: db, reg: reg, life: life}, nil
}

// Close flushes the registry and closes the database.
func (o *offline) Close() error {
	err := o.reg.Close()
	if cerr := o.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// resolveSession accepts a session id or a tmux session name.
func (o *offline) resolveSession(ref string) (session.ManagedSession, error) {
	if s, ok := o.reg.Get(ref); ok {
		return s, nil
	}
	if s, ok := o.reg.GetByTmuxName(ref); ok {
		return s, nil
	}
	return session.ManagedSession{}, fmt.Errorf("%w: %s", session.ErrNotFound, ref)
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
