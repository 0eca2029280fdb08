// Package session holds the registry of managed agent sessions: the single
// owner of session records, their output ring buffers and subscriber sets.
package session

import (
	"fmt"
	"time"

	"github.com/asheshgoplani/agent-bridge/internal/workspace"
)

// Status of a managed session. Offline is only ever set by reconciliation.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusBlocked Status = "blocked"
	StatusStuck   Status = "stuck"
	StatusOffline Status = "offline"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusIdle, StatusWorking, StatusBlocked, StatusStuck, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// ModeLocal tags sessions launched by this bridge or adopted by its own
// name prefix.
const ModeLocal = "local"

// ManagedSession is a snapshot of one session record. Snapshots are values:
// changing one has no effect on the registry.
type ManagedSession struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	TmuxSession      string         `json:"tmuxSession"`
	PaneRef          string         `json:"paneRef"`
	ProjectPath      string         `json:"projectPath"`
	Mode             string         `json:"mode"`
	WorkspaceType    workspace.Type `json:"workspaceType"`
	WorkspaceRepo    string         `json:"workspaceRepo,omitempty"`
	Status           Status         `json:"status"`
	PipeActive       bool           `json:"pipeActive"`
	ConnectedClients []string       `json:"connectedClients"`
	AutoLaunched     bool           `json:"autoLaunched"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Workspace returns the provisioned workspace the session runs in.
func (s ManagedSession) Workspace() workspace.Workspace {
	return workspace.Workspace{Type: s.WorkspaceType, Path: s.ProjectPath, Repo: s.WorkspaceRepo}
}

// Spec describes a session to register.
type Spec struct {
	Name          string
	TmuxSession   string
	PaneRef       string // default: active pane of TmuxSession
	ProjectPath   string
	Mode          string // default: local
	WorkspaceType workspace.Type
	WorkspaceRepo string
	Status        Status // default: idle
	AutoLaunched  bool
}

// Patch lists fields to change; nil fields are left alone.
type Patch struct {
	Name         *string
	ProjectPath  *string
	Mode         *string
	Status       *Status
	PipeActive   *bool
	AutoLaunched *bool
}

// Set returns a pointer to v, for building a Patch inline.
func Set[T any](v T) *T { return &v }
