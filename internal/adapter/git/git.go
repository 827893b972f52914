// Package git implements the version-control client used by repository
// discovery and the worktree manager. Plumbing queries go through
// go-git; porcelain that go-git does not model (worktrees, sparse
// checkout, filtered clones) shells out to the git binary.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	goGit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Client executes git operations against local repositories.
type Client struct{}

// NewClient constructs a git client.
func NewClient() *Client {
	return &Client{}
}

// run executes git with the given arguments inside dir.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// IsRepo reports whether dir is inside a git repository by executing a
// trivial query. Used to verify cached repo locations.
func (c *Client) IsRepo(ctx context.Context, dir string) bool {
	_, err := c.run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// RootDir resolves the repository top level containing dir.
func (c *Client) RootDir(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("locate repository root: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CommonDir resolves the repository's common .git directory. For a
// linked worktree this is the main repository's .git, which locates
// the parent root.
func (c *Client) CommonDir(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("locate common git dir: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HeadRevision returns the SHA the repository's HEAD points at.
func (c *Client) HeadRevision(ctx context.Context, dir string) (string, error) {
	repo, err := goGit.PlainOpenWithOptions(dir, &goGit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// ResolveRevision resolves a ref name or SHA to a commit SHA.
func (c *Client) ResolveRevision(ctx context.Context, dir, rev string) (string, error) {
	repo, err := goGit.PlainOpenWithOptions(dir, &goGit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	return hash.String(), nil
}

// Fetch fetches refspecs from a remote. With force, refspecs are
// prefixed with + so non-fast-forward ref updates succeed.
func (c *Client) Fetch(ctx context.Context, dir, remote string, force bool, refspecs ...string) error {
	args := []string{"fetch", remote}
	for _, spec := range refspecs {
		if force && !strings.HasPrefix(spec, "+") {
			spec = "+" + spec
		}
		args = append(args, spec)
	}
	_, err := c.run(ctx, dir, args...)
	return err
}

// CloneBare creates a blob-filtered, no-checkout clone at target.
func (c *Client) CloneBare(ctx context.Context, url, target string) error {
	_, err := c.run(ctx, ".", "clone", "--filter=blob:none", "--no-checkout", url, target)
	return err
}

// AddWorktree registers a new worktree at path, detached at commitish.
func (c *Client) AddWorktree(ctx context.Context, repoDir, path, commitish string, force bool) error {
	args := []string{"worktree", "add", "--detach"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path, commitish)
	_, err := c.run(ctx, repoDir, args...)
	return err
}

// RemoveWorktree unregisters the worktree at path.
func (c *Client) RemoveWorktree(ctx context.Context, repoDir, path string) error {
	_, err := c.run(ctx, repoDir, "worktree", "remove", "--force", path)
	return err
}

// Checkout checks a ref out inside dir, detached.
func (c *Client) Checkout(ctx context.Context, dir, ref string) error {
	_, err := c.run(ctx, dir, "checkout", "--detach", ref)
	return err
}

// IsSparse reports whether dir uses a partial (sparse) checkout.
func (c *Client) IsSparse(ctx context.Context, dir string) bool {
	out, err := c.run(ctx, dir, "config", "--get", "core.sparseCheckout")
	return err == nil && strings.TrimSpace(out) == "true"
}

// SparseCheckoutAdd expands a sparse checkout to include the given
// directories.
func (c *Client) SparseCheckoutAdd(ctx context.Context, dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"sparse-checkout", "add"}, paths...)
	_, err := c.run(ctx, dir, args...)
	return err
}

// DiffRange produces a unified diff between two revisions with three
// lines of context.
func (c *Client) DiffRange(ctx context.Context, dir, baseRev, headRev string) (string, error) {
	return c.run(ctx, dir, "diff", "-U3", "--no-color", baseRev+".."+headRev)
}

// DiffWorkingTree produces the working-tree diff against HEAD,
// appending add-diffs for untracked files so new work is reviewable.
// The output is stable across invocations of the same working state.
func (c *Client) DiffWorkingTree(ctx context.Context, dir string) (string, error) {
	tracked, err := c.run(ctx, dir, "diff", "-U3", "--no-color", "HEAD")
	if err != nil {
		return "", err
	}

	untrackedOut, err := c.run(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(tracked)
	for _, path := range strings.Split(strings.TrimSpace(untrackedOut), "\n") {
		if path == "" {
			continue
		}
		// --no-index exits 1 when files differ; keep whatever diff was
		// produced regardless of the exit status.
		cmd := exec.CommandContext(ctx, "git", "diff", "-U3", "--no-color", "--no-index", "/dev/null", path)
		cmd.Dir = dir
		var patch bytes.Buffer
		cmd.Stdout = &patch
		_ = cmd.Run()
		sb.WriteString(patch.String())
	}
	return sb.String(), nil
}

// Remote is one configured remote with its fetch URLs.
type Remote struct {
	Name string
	URLs []string
}

// ListRemotes returns the repository's configured remotes.
func (c *Client) ListRemotes(ctx context.Context, dir string) ([]Remote, error) {
	repo, err := goGit.PlainOpenWithOptions(dir, &goGit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	remotes, err := repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}

	out := make([]Remote, 0, len(remotes))
	for _, r := range remotes {
		cfg := r.Config()
		out = append(out, Remote{Name: cfg.Name, URLs: cfg.URLs})
	}
	return out, nil
}

// SetRemoteURL adds the remote if absent, else points it at url.
func (c *Client) SetRemoteURL(ctx context.Context, dir, name, url string) error {
	if _, err := c.run(ctx, dir, "remote", "get-url", name); err != nil {
		_, err = c.run(ctx, dir, "remote", "add", name, url)
		return err
	}
	_, err := c.run(ctx, dir, "remote", "set-url", name, url)
	return err
}
