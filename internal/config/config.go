// Package config loads the agent-bridge user configuration from
// ~/.agent-bridge/config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// HomeEnv overrides the state directory (default ~/.agent-bridge).
	HomeEnv = "AGENT_BRIDGE_HOME"

	FileName = "config.toml"

	// DefaultPrefix is the tmux name prefix of sessions this bridge launches.
	DefaultPrefix = "agentbridge_"
)

// Config is the on-disk configuration. Zero values fall back to defaults
// through the getter methods, so a partial file is always valid.
type Config struct {
	Server    ServerSettings    `toml:"server"`
	Capture   CaptureSettings   `toml:"capture"`
	Reconcile ReconcileSettings `toml:"reconcile"`
	Workspace WorkspaceSettings `toml:"workspace"`
	Agent     AgentSettings     `toml:"agent"`
	Discovery DiscoverySettings `toml:"discovery"`
	Tmux      TmuxSettings      `toml:"tmux"`
	Logs      LogSettings       `toml:"logs"`
	Telemetry TelemetrySettings `toml:"telemetry"`
}

//	[server]
//	listen = "127.0.0.1:7420"
//	token = "secret"
//	read_only = false
//	messages_per_second = 20
type ServerSettings struct {
	Listen   string `toml:"listen"`
	Token    string `toml:"token"`
	ReadOnly bool   `toml:"read_only"`

	// MessagesPerSecond limits inbound frames per WebSocket client. 0 = default (20).
	MessagesPerSecond float64 `toml:"messages_per_second"`
}

func (s ServerSettings) GetListen() string {
	if s.Listen == "" {
		return "127.0.0.1:7420"
	}
	return s.Listen
}

func (s ServerSettings) GetMessagesPerSecond() float64 {
	if s.MessagesPerSecond <= 0 {
		return 20
	}
	return s.MessagesPerSecond
}

type CaptureSettings struct {
	PollIntervalMs int `toml:"poll_interval_ms"`
	BufferChunks   int `toml:"buffer_chunks"`

	// PipeOutput enables tmux pipe-pane forwarding alongside polling.
	// Default: true (nil = use default true)
	PipeOutput *bool `toml:"pipe_output"`
}

func (c CaptureSettings) GetPollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c CaptureSettings) GetBufferChunks() int {
	if c.BufferChunks <= 0 {
		return 100
	}
	return c.BufferChunks
}

func (c CaptureSettings) GetPipeOutput() bool {
	if c.PipeOutput == nil {
		return true
	}
	return *c.PipeOutput
}

type ReconcileSettings struct {
	IntervalSecs int `toml:"interval_secs"`
}

func (r ReconcileSettings) GetInterval() time.Duration {
	if r.IntervalSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.IntervalSecs) * time.Second
}

type WorkspaceSettings struct {
	// Root holds worktree and copy workspaces. Default: <home>/workspaces.
	Root string `toml:"root"`
}

type AgentSettings struct {
	Command string `toml:"command"`
}

func (a AgentSettings) GetCommand() string {
	if a.Command == "" {
		return "claude"
	}
	return a.Command
}

// DiscoveryRule adopts external tmux sessions whose name matches Pattern,
// tagging them with Mode.
type DiscoveryRule struct {
	Pattern string `toml:"pattern"`
	Mode    string `toml:"mode"`
}

//	[discovery]
//	prefix = "agentbridge_"
//
//	[[discovery.rules]]
//	pattern = "^hq-(mayor|deacon)$"
//	mode = "gastown"
type DiscoverySettings struct {
	Prefix string          `toml:"prefix"`
	Rules  []DiscoveryRule `toml:"rules"`
}

func (d DiscoverySettings) GetPrefix() string {
	if d.Prefix == "" {
		return DefaultPrefix
	}
	return d.Prefix
}

// DefaultRules are the role-based names of an externally managed gastown
// deployment.
var DefaultRules = []DiscoveryRule{
	{Pattern: `^gt-[a-z0-9]+-(polecat|crew|witness|refinery)(-.*)?$`, Mode: "gastown"},
	{Pattern: `^hq-(mayor|deacon)$`, Mode: "gastown"},
}

func (d DiscoverySettings) GetRules() []DiscoveryRule {
	if len(d.Rules) == 0 {
		return DefaultRules
	}
	return d.Rules
}

type TmuxSettings struct {
	// Socket is passed to tmux as -S. Empty uses the default server.
	Socket string `toml:"socket"`
}

type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	PprofAddr  string `toml:"pprof_addr"`
}

type TelemetrySettings struct {
	// Endpoint is an OTLP/HTTP base URL, e.g. "http://localhost:4318".
	// Empty disables export.
	Endpoint string            `toml:"endpoint"`
	Headers  map[string]string `toml:"headers"`
}

// Defaults returns a config with every default spelled out, used by
// `agent-bridge config init`.
func Defaults() *Config {
	pipe := true
	return &Config{
		Server:    ServerSettings{Listen: "127.0.0.1:7420", MessagesPerSecond: 20},
		Capture:   CaptureSettings{PollIntervalMs: 500, BufferChunks: 100, PipeOutput: &pipe},
		Reconcile: ReconcileSettings{IntervalSecs: 10},
		Agent:     AgentSettings{Command: "claude"},
		Discovery: DiscoverySettings{Prefix: DefaultPrefix, Rules: append([]DiscoveryRule(nil), DefaultRules...)},
		Logs:      LogSettings{Level: "info", Format: "json", MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 10},
	}
}

// Dir returns the state directory: $AGENT_BRIDGE_HOME or ~/.agent-bridge.
func Dir() (string, error) {
	if d := os.Getenv(HomeEnv); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agent-bridge"), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// WorkspaceRoot resolves workspace.root, defaulting under the state dir.
func (c *Config) WorkspaceRoot() (string, error) {
	if c.Workspace.Root != "" {
		return c.Workspace.Root, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workspaces"), nil
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Load reads config.toml once and caches it. A missing file yields an empty
// config (all defaults). On a parse error the empty config is cached and the
// error returned so the caller can report it.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = &Config{}
		return cache, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		cache = &Config{}
		if errors.Is(err, os.ErrNotExist) {
			return cache, nil
		}
		return cache, fmt.Errorf("config.toml parse error: %w", err)
	}
	cache = &cfg
	return cache, nil
}

// Reload drops the cache and reads the file again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// Save writes cfg atomically (temp file, fsync, rename) and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agent-bridge configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize config save: %w", err)
	}

	ClearCache()
	return nil
}
