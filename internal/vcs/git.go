// Package vcs drives branch, commit and push operations on the single
// working checkout flagsweep owns.
package vcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/flagsweep/internal/connectors"
)

// Gateway is the version control capability the runner depends on. No
// operation retries; failures carry the underlying tool diagnostic.
type Gateway interface {
	// SyncDefaultBranch checks out the default branch and pulls the latest.
	SyncDefaultBranch(ctx context.Context) error
	CheckoutNewBranch(ctx context.Context, name string) error
	// CommitAll stages every working tree change and commits it.
	CommitAll(ctx context.Context, message string) error
	Push(ctx context.Context, branch string) error
	// BranchExists checks local refs and the remote.
	BranchExists(ctx context.Context, name string) (bool, error)
	// ChangedFiles lists paths with uncommitted changes.
	ChangedFiles(ctx context.Context) ([]string, error)
	// Dir is the checkout path.
	Dir() string
	DefaultBranch() string
}

// Git implements Gateway with the git CLI through a connector whose working
// directory is the checkout.
type Git struct {
	conn          connectors.Connector
	dir           string
	remote        string
	defaultBranch string
}

var _ Gateway = (*Git)(nil)

// NewGit returns a Git gateway. remote and defaultBranch default to
// "origin" and "main".
func NewGit(conn connectors.Connector, dir, remote, defaultBranch string) *Git {
	if remote == "" {
		remote = "origin"
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Git{conn: conn, dir: dir, remote: remote, defaultBranch: defaultBranch}
}

// Dir returns the checkout path.
func (g *Git) Dir() string {
	return g.dir
}

// DefaultBranch returns the branch proposals target.
func (g *Git) DefaultBranch() string {
	return g.defaultBranch
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	result, err := connectors.Check(g.conn.Execute(ctx, "git", args))
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// SyncDefaultBranch stashes any leftover changes from a previous attempt,
// then checks out the default branch and fast-forwards it from the remote.
func (g *Git) SyncDefaultBranch(ctx context.Context) error {
	changed, err := g.ChangedFiles(ctx)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		current, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		msg := "flagsweep: leftover changes on " + strings.TrimSpace(current)
		if _, err := g.run(ctx, "stash", "push", "--include-untracked", "-m", msg); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	if _, err := g.run(ctx, "fetch", g.remote, g.defaultBranch); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if _, err := g.run(ctx, "checkout", g.defaultBranch); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if _, err := g.run(ctx, "pull", "--ff-only", g.remote, g.defaultBranch); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// CheckoutNewBranch creates name from the current HEAD and switches to it.
func (g *Git) CheckoutNewBranch(ctx context.Context, name string) error {
	if _, err := g.run(ctx, "checkout", "-b", name); err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	return nil
}

// CommitAll stages all changes, including deletions and new files, and commits.
func (g *Git) CommitAll(ctx context.Context, message string) error {
	if _, err := g.run(ctx, "add", "--all"); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Push publishes branch to the remote and sets its upstream.
func (g *Git) Push(ctx context.Context, branch string) error {
	if _, err := g.run(ctx, "push", "--set-upstream", g.remote, branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// BranchExists reports whether name exists as a local branch or on the remote.
func (g *Git) BranchExists(ctx context.Context, name string) (bool, error) {
	// show-ref --verify --quiet exits 1 when the ref is missing.
	result, err := g.conn.Execute(ctx, "git", []string{"show-ref", "--verify", "--quiet", "refs/heads/" + name})
	if err != nil {
		return false, fmt.Errorf("check local branch: %w", err)
	}
	switch result.ExitCode {
	case 0:
		return true, nil
	case 1:
	default:
		_, err := connectors.Check(result, nil)
		return false, fmt.Errorf("check local branch: %w", err)
	}

	out, err := g.run(ctx, "ls-remote", "--heads", g.remote, "refs/heads/"+name)
	if err != nil {
		return false, fmt.Errorf("check remote branch: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// ChangedFiles parses `git status --porcelain` into paths.
func (g *Git) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return ParsePorcelain(out), nil
}

// ParsePorcelain extracts paths from porcelain v1 status output. For renames
// the destination path is returned.
func ParsePorcelain(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		paths = append(paths, strings.Trim(path, `"`))
	}
	return paths
}
