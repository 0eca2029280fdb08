// Package workspace gives each session the directory it runs in: the
// project itself, a detached git worktree, or a throwaway copy.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/agent-bridge/internal/git"
	"github.com/asheshgoplani/agent-bridge/internal/logging"
	"github.com/asheshgoplani/agent-bridge/internal/tmux"
)

var log = logging.ForComponent(logging.CompWorkspace)

// Type selects how a session's working directory is isolated.
type Type string

const (
	Primary  Type = "primary"
	Worktree Type = "worktree"
	Copy     Type = "copy"
)

// ParseType accepts "", primary, worktree and copy. Empty means primary.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case "", Primary:
		return Primary, nil
	case Worktree:
		return Worktree, nil
	case Copy:
		return Copy, nil
	}
	return "", fmt.Errorf("unknown workspace type %q", s)
}

// ErrExists is returned when the per-session directory is already taken.
var ErrExists = errors.New("workspace directory already exists")

// Workspace is a provisioned directory. Repo is set for worktrees: the
// repository `git worktree remove` must run in.
type Workspace struct {
	Type Type
	Path string
	Repo string
}

// Provisioner creates and removes workspaces under Root.
type Provisioner struct {
	Root string
}

func NewProvisioner(root string) *Provisioner {
	return &Provisioner{Root: root}
}

// PathFor returns the deterministic directory for a session key.
func (p *Provisioner) PathFor(key string) string {
	name := tmux.SanitizeName(key)
	if name == "" {
		name = "session"
	}
	return filepath.Join(p.Root, name)
}

// Provision prepares the working directory for a session keyed by key.
// Primary returns projectPath untouched and never touches the filesystem.
func (p *Provisioner) Provision(ctx context.Context, typ Type, projectPath, key string) (Workspace, error) {
	if typ == Primary || typ == "" {
		return Workspace{Type: Primary, Path: projectPath}, nil
	}

	dest := p.PathFor(key)
	if _, err := os.Lstat(dest); err == nil {
		return Workspace{}, fmt.Errorf("%w: %s", ErrExists, dest)
	}
	if err := os.MkdirAll(p.Root, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace root: %w", err)
	}

	switch typ {
	case Worktree:
		repo, err := git.MainRepoRoot(ctx, projectPath)
		if err != nil {
			return Workspace{}, err
		}
		sha, err := git.HeadCommit(ctx, projectPath)
		if err != nil {
			return Workspace{}, err
		}
		if err := git.AddDetachedWorktree(ctx, repo, dest, sha); err != nil {
			return Workspace{}, err
		}
		log.Info("worktree_created",
			slog.String("path", dest),
			slog.String("repo", repo),
			slog.String("commit", sha))
		return Workspace{Type: Worktree, Path: dest, Repo: repo}, nil

	case Copy:
		if err := copyTree(projectPath, dest, p.Root); err != nil {
			_ = os.RemoveAll(dest)
			return Workspace{}, fmt.Errorf("copy %s: %w", projectPath, err)
		}
		log.Info("copy_created", slog.String("path", dest), slog.String("source", projectPath))
		return Workspace{Type: Copy, Path: dest}, nil
	}
	return Workspace{}, fmt.Errorf("unknown workspace type %q", typ)
}

// Cleanup removes what Provision created. It is safe to call repeatedly and
// on a workspace whose directory is already gone. Primary workspaces are
// never removed.
func (p *Provisioner) Cleanup(ctx context.Context, ws Workspace) error {
	switch ws.Type {
	case Primary, "":
		return nil
	case Worktree:
		if err := p.checkOwned(ws.Path); err != nil {
			return err
		}
		if ws.Repo != "" {
			if _, err := os.Stat(ws.Path); err == nil {
				if err := git.RemoveWorktree(ctx, ws.Repo, ws.Path, true); err != nil {
					log.Warn("worktree_remove_failed", slog.String("path", ws.Path), slog.String("error", err.Error()))
				}
			}
		}
		// Whatever git left behind goes too; then drop the stale admin entry.
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("remove worktree directory: %w", err)
		}
		if ws.Repo != "" {
			if err := git.PruneWorktrees(ctx, ws.Repo); err != nil {
				return err
			}
		}
		return nil
	case Copy:
		if err := p.checkOwned(ws.Path); err != nil {
			return err
		}
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("remove copy: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown workspace type %q", ws.Type)
}

// checkOwned refuses to delete anything outside Root.
func (p *Provisioner) checkOwned(path string) error {
	root := filepath.Clean(p.Root)
	clean := filepath.Clean(path)
	if root == "" || clean == root || !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s: outside workspace root %s", path, p.Root)
	}
	return nil
}

// copyTree recursively copies src to dst, keeping file modes and
// symlinks. Directories in skip (and dst itself) are not descended into,
// so a workspace root nested inside the project is never copied into
// itself.
func copyTree(src, dst string, skip ...string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	src, err = filepath.Abs(src)
	if err != nil {
		return err
	}
	excluded := make([]string, 0, len(skip)+1)
	for _, dir := range append([]string{dst}, skip...) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		excluded = append(excluded, abs)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			if isWithin(path, excluded) {
				return filepath.SkipDir
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, fi.Mode().Perm()|0o700)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		// Sockets, devices and pipes are skipped.
		return nil
	})
}

func isWithin(path string, dirs []string) bool {
	for _, dir := range dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
