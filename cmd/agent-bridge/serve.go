package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-bridge/internal/bridge"
	"github.com/asheshgoplani/agent-bridge/internal/capture"
	"github.com/asheshgoplani/agent-bridge/internal/config"
	"github.com/asheshgoplani/agent-bridge/internal/input"
	"github.com/asheshgoplani/agent-bridge/internal/lifecycle"
	"github.com/asheshgoplani/agent-bridge/internal/logging"
	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/statedb"
	"github.com/asheshgoplani/agent-bridge/internal/telemetry"
	"github.com/asheshgoplani/agent-bridge/internal/tmux"
	"github.com/asheshgoplani/agent-bridge/internal/web"
	"github.com/asheshgoplani/agent-bridge/internal/workspace"
)

const shutdownTimeout = 5 * time.Second

type serveFlags struct {
	listen   string
	token    string
	readOnly bool
	quiet    bool
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Long: `Run the bridge: restore persisted sessions, adopt matching tmux sessions,
reconcile their status periodically, and serve the WebSocket protocol on /ws.

Ctrl+C stops the server, flushing the session table to disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			applyServeFlags(cmd, cfg, f)
			return runServe(cmd.Context(), cfg, f.quiet)
		},
	}
	cmd.Flags().StringVar(&f.listen, "listen", "", "listen address (default from config, 127.0.0.1:7420)")
	cmd.Flags().StringVar(&f.token, "token", envOrDefault("AGENT_BRIDGE_TOKEN", ""), "bearer token required on /ws and /api")
	cmd.Flags().BoolVar(&f.readOnly, "read-only", false, "reject mutating client messages")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not mirror logs to stderr")
	return cmd
}

// applyServeFlags copies explicitly set flags over the file values.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, f *serveFlags) {
	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen = f.listen
	}
	if f.token != "" {
		cfg.Server.Token = f.token
	}
	if cmd.Flags().Changed("read-only") {
		cfg.Server.ReadOnly = f.readOnly
	}
}

func runServe(parent context.Context, cfg *config.Config, quiet bool) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}

	logCfg := logging.Config{
		LogDir:     filepath.Join(dir, "logs"),
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.Compress,
		PprofAddr:  cfg.Logs.PprofAddr,
	}
	if !quiet {
		logCfg.Console = os.Stderr
	}
	logging.Init(logCfg)
	defer logging.Shutdown()
	cliLog := logging.ForComponent(logging.CompCLI)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint: cfg.Telemetry.Endpoint,
		Headers:  cfg.Telemetry.Headers,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		tel.Shutdown(sctx)
	}()

	db, err := statedb.Open(filepath.Join(dir, statedb.FileName))
	if err != nil {
		return err
	}
	defer db.Close()

	reg := session.NewRegistry(db, cfg.Capture.GetBufferChunks())
	defer func() {
		if err := reg.Close(); err != nil {
			cliLog.Error("registry_close_failed", slog.String("error", err.Error()))
		}
	}()

	mux := tmux.NewClient(cfg.Tmux.Socket)
	var sinkDir string
	if cfg.Capture.GetPipeOutput() {
		sinkDir = filepath.Join(dir, "capture")
	}
	conn := capture.NewConnector(mux, reg, capture.Options{
		PollInterval: cfg.Capture.GetPollInterval(),
		SinkDir:      sinkDir,
		Metrics:      tel.Metrics,
	})

	wsRoot, err := cfg.WorkspaceRoot()
	if err != nil {
		return err
	}
	life, err := lifecycle.NewManager(mux, reg, conn, workspace.NewProvisioner(wsRoot), lifecycle.Options{
		Prefix:            cfg.Discovery.GetPrefix(),
		Rules:             cfg.Discovery.GetRules(),
		AgentCommand:      cfg.Agent.GetCommand(),
		ReconcileInterval: cfg.Reconcile.GetInterval(),
		Metrics:           tel.Metrics,
		Tracer:            tel.Tracer,
	})
	if err != nil {
		return fmt.Errorf("discovery rules: %w", err)
	}
	router := input.NewRouter(mux, reg, tel.Metrics)

	b := bridge.New(reg, life, conn, router, bridge.Options{
		ReadOnly: cfg.Server.ReadOnly,
		Metrics:  tel.Metrics,
	})
	if err := b.Init(ctx); err != nil {
		return err
	}

	srv := web.NewServer(web.Config{
		ListenAddr:        cfg.Server.GetListen(),
		ReadOnly:          cfg.Server.ReadOnly,
		Token:             cfg.Server.Token,
		MessagesPerSecond: cfg.Server.GetMessagesPerSecond(),
		Bridge:            b,
		Registry:          reg,
	})

	cliLog.Info("bridge_started",
		slog.String("version", Version),
		slog.String("addr", srv.Addr()),
		slog.String("tmux_socket", cfg.Tmux.Socket),
		slog.Bool("telemetry", tel.Enabled()))

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(srv.Start)
	grp.Go(func() error {
		dumpOnSignal(gctx, filepath.Join(dir, "logs"), cliLog)
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	serveErr := grp.Wait()

	// The server is down, so no client can race the bridge teardown.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	bridgeErr := b.Shutdown(sctx)

	cliLog.Info("bridge_stopped")
	return errors.Join(serveErr, bridgeErr)
}

// dumpOnSignal writes the in-memory log ring to a file on SIGUSR1, for
// post-mortem debugging of a running server.
func dumpOnSignal(ctx context.Context, dir string, log *slog.Logger) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			path := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(path); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
				continue
			}
			log.Info("crash_dump_written", slog.String("path", path))
		}
	}
}
