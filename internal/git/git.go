// Package git wraps the git commands used to give a session its own
// detached worktree.
package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotRepo is returned when a directory is not inside a git repository.
var ErrNotRepo = errors.New("not a git repository")

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path     string
	Branch   string
	Commit   string
	Bare     bool
	Detached bool
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsGitRepo reports whether dir is inside a git repository.
func IsGitRepo(ctx context.Context, dir string) bool {
	_, err := run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// RepoRoot returns the top-level directory of the repository containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotRepo, dir)
	}
	return out, nil
}

// MainRepoRoot resolves through a linked worktree to the main checkout, so
// a worktree is never created from inside another worktree.
func MainRepoRoot(ctx context.Context, dir string) (string, error) {
	common, err := run(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotRepo, dir)
	}
	gitDir, err := run(ctx, dir, "rev-parse", "--git-dir")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotRepo, dir)
	}
	if common == gitDir || common == "." || common == ".git" {
		return RepoRoot(ctx, dir)
	}
	if !filepath.IsAbs(common) {
		common = filepath.Clean(filepath.Join(dir, common))
	}
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common), nil
	}
	return RepoRoot(ctx, dir)
}

// HeadCommit returns the full SHA that HEAD points at.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return out, nil
}

// AddDetachedWorktree checks out commit at path as a detached worktree of
// repoDir. No branch is created.
func AddDetachedWorktree(ctx context.Context, repoDir, path, commit string) error {
	if _, err := run(ctx, repoDir, "worktree", "add", "--detach", path, commit); err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

// RemoveWorktree removes a linked worktree. force discards local changes.
func RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := run(ctx, repoDir, args...); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// PruneWorktrees drops administrative entries for worktrees whose
// directories are gone.
func PruneWorktrees(ctx context.Context, repoDir string) error {
	if _, err := run(ctx, repoDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// ListWorktrees returns every worktree registered in repoDir.
func ListWorktrees(ctx context.Context, repoDir string) ([]Worktree, error) {
	out, err := run(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(output string) []Worktree {
	var (
		out     []Worktree
		current Worktree
	)
	flush := func() {
		if current.Path != "" {
			out = append(out, current)
		}
		current = Worktree{}
	}

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Detached = true
		}
	}
	flush()
	return out
}
