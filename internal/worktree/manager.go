// Package worktree materializes isolated working copies for review
// sessions and owns repository discovery.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/git"
	"github.com/in-the-loop-labs/pair-review/internal/diff"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

// baseRemote is the dedicated remote name added when no configured
// remote matches the repository under review.
const baseRemote = "pair-review-base"

// GitOps is the subset of the git client the manager depends on.
type GitOps interface {
	IsRepo(ctx context.Context, dir string) bool
	RootDir(ctx context.Context, dir string) (string, error)
	CommonDir(ctx context.Context, dir string) (string, error)
	HeadRevision(ctx context.Context, dir string) (string, error)
	ResolveRevision(ctx context.Context, dir, rev string) (string, error)
	Fetch(ctx context.Context, dir, remote string, force bool, refspecs ...string) error
	CloneBare(ctx context.Context, url, target string) error
	AddWorktree(ctx context.Context, repoDir, path, commitish string, force bool) error
	RemoveWorktree(ctx context.Context, repoDir, path string) error
	Checkout(ctx context.Context, dir, ref string) error
	IsSparse(ctx context.Context, dir string) bool
	SparseCheckoutAdd(ctx context.Context, dir string, paths []string) error
	DiffRange(ctx context.Context, dir, baseRev, headRev string) (string, error)
	ListRemotes(ctx context.Context, dir string) ([]git.Remote, error)
	SetRemoteURL(ctx context.Context, dir, name, url string) error
}

// LocationStore is the discovery cache port.
type LocationStore interface {
	GetLocalPath(ctx context.Context, repoKey string) (string, error)
	SetLocalPath(ctx context.Context, repoKey, path string) error
}

// Source is a discovered repository usable as a worktree anchor.
type Source struct {
	// Path is where fetches and worktree registration run.
	Path string
	// WorktreeSource is set when the discovered path is itself a
	// worktree; the new worktree inherits its sparse state.
	WorktreeSource string
	// MainRoot is the main repository root used for writes.
	MainRoot string
	// NewlyCloned marks a fresh cache clone so setup can register it.
	NewlyCloned bool
	// Tier names the discovery tier that produced the source.
	Tier string
}

// Manager owns the filesystem layout under <config_dir>/worktrees and
// <config_dir>/repos.
type Manager struct {
	git       GitOps
	locations LocationStore
	configDir string
	monorepo  map[string]string // owner/repo (folded) -> absolute path
	logger    *zap.Logger
}

// NewManager constructs a worktree manager.
func NewManager(gitOps GitOps, locations LocationStore, configDir string, monorepo map[string]string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	folded := make(map[string]string, len(monorepo))
	for key, path := range monorepo {
		folded[strings.ToLower(key)] = path
	}
	return &Manager{
		git:       gitOps,
		locations: locations,
		configDir: configDir,
		monorepo:  folded,
		logger:    logger,
	}
}

// WorktreePath is the canonical checkout location for a pull request.
func (m *Manager) WorktreePath(key domain.PRKey) string {
	return filepath.Join(m.configDir, "worktrees", fmt.Sprintf("%s-%s-%d", key.Owner, key.Repo, key.Number))
}

// repoCachePath is where bare cache clones live.
func (m *Manager) repoCachePath(key domain.PRKey) string {
	return filepath.Join(m.configDir, "repos", key.Owner, key.Repo)
}

// DiscoverRepo finds a local repository for the pull request's target.
// Tiers, highest priority first: explicit monorepo override, registered
// repo location, an existing worktree for the same repo, then the cache
// clone (created when absent).
func (m *Manager) DiscoverRepo(ctx context.Context, key domain.PRKey, snapshot domain.PRSnapshot) (Source, error) {
	if path, ok := m.monorepo[key.RepoKey()]; ok {
		return m.sourceFrom(ctx, path, "monorepo-override")
	}

	if path, err := m.locations.GetLocalPath(ctx, key.RepoKey()); err == nil {
		if m.git.IsRepo(ctx, path) {
			return m.sourceFrom(ctx, path, "registered-location")
		}
		// Invalid cache entries are cleared so the tier never loops.
		m.logger.Warn("registered repo location no longer valid, clearing",
			zap.String("repo", key.RepoKey()), zap.String("path", path))
		if err := m.locations.SetLocalPath(ctx, key.RepoKey(), ""); err != nil {
			m.logger.Warn("failed to clear repo location", zap.Error(err))
		}
	}

	if src, ok := m.fromSiblingWorktree(ctx, key); ok {
		return src, nil
	}

	cache := m.repoCachePath(key)
	if m.git.IsRepo(ctx, cache) {
		return m.sourceFrom(ctx, cache, "cache-clone")
	}

	cloneURL := snapshot.CloneURL
	if cloneURL == "" {
		return Source{}, fmt.Errorf("no local repository for %s and no clone URL to fall back to", key.RepoKey())
	}
	if err := os.MkdirAll(filepath.Dir(cache), 0o755); err != nil {
		return Source{}, fmt.Errorf("create repo cache dir: %w", err)
	}
	if err := m.git.CloneBare(ctx, cloneURL, cache); err != nil {
		return Source{}, fmt.Errorf("clone %s: %w", key.RepoKey(), err)
	}

	src, err := m.sourceFrom(ctx, cache, "fresh-clone")
	src.NewlyCloned = true
	return src, err
}

// fromSiblingWorktree derives a source from an existing worktree of the
// same repository, preserving its sparse configuration.
func (m *Manager) fromSiblingWorktree(ctx context.Context, key domain.PRKey) (Source, bool) {
	pattern := filepath.Join(m.configDir, "worktrees", fmt.Sprintf("%s-%s-*", key.Owner, key.Repo))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return Source{}, false
	}
	sort.Strings(matches)

	for _, candidate := range matches {
		if !m.git.IsRepo(ctx, candidate) {
			continue
		}
		commonDir, err := m.git.CommonDir(ctx, candidate)
		if err != nil {
			continue
		}
		mainRoot := filepath.Dir(commonDir)
		return Source{
			Path:           candidate,
			WorktreeSource: candidate,
			MainRoot:       mainRoot,
			Tier:           "sibling-worktree",
		}, true
	}
	return Source{}, false
}

// sourceFrom normalizes a discovered path into a Source, detecting
// whether it is itself a worktree with an inherited sparse state.
func (m *Manager) sourceFrom(ctx context.Context, path, tier string) (Source, error) {
	if !m.git.IsRepo(ctx, path) {
		return Source{}, fmt.Errorf("%s is not a git repository", path)
	}

	src := Source{Path: path, MainRoot: path, Tier: tier}

	commonDir, err := m.git.CommonDir(ctx, path)
	if err != nil {
		return src, nil
	}
	mainRoot := filepath.Dir(commonDir)
	if rel, err := filepath.Rel(mainRoot, path); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		// path lives inside mainRoot; a plain checkout.
		src.MainRoot = mainRoot
		return src, nil
	}
	if mainRoot != path && m.git.IsSparse(ctx, path) {
		src.WorktreeSource = path
		src.MainRoot = mainRoot
	}
	return src, nil
}

// CreateOptions tunes worktree creation.
type CreateOptions struct {
	// Remote overrides the remote used for fetches; empty resolves it
	// from the snapshot's URLs.
	Remote string
}

// CreateForPR materializes an isolated checkout of the pull request
// head and returns the worktree path. On failure, partially created
// state is cleaned up best effort before the error is returned.
func (m *Manager) CreateForPR(ctx context.Context, key domain.PRKey, snapshot domain.PRSnapshot, source Source, opts CreateOptions) (string, error) {
	target := m.WorktreePath(key)
	writeRoot := source.MainRoot
	if writeRoot == "" {
		writeRoot = source.Path
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}

	// A leftover checkout from an earlier setup is replaced wholesale.
	if _, err := os.Stat(target); err == nil {
		if err := m.git.RemoveWorktree(ctx, writeRoot, target); err != nil {
			m.logger.Warn("git-assisted worktree removal failed, deleting directory",
				zap.String("path", target), zap.Error(err))
			if err := os.RemoveAll(target); err != nil {
				return "", fmt.Errorf("remove stale worktree: %w", err)
			}
		}
	}

	remote := opts.Remote
	if remote == "" {
		resolved, err := m.ResolveRemoteForRepo(ctx, source.Path, snapshot.CloneURL, snapshot.SSHURL)
		if err != nil {
			return "", err
		}
		remote = resolved
	}

	cleanup := func() {
		if err := m.git.RemoveWorktree(ctx, writeRoot, target); err != nil {
			_ = os.RemoveAll(target)
		}
	}

	baseSpec := fmt.Sprintf("refs/heads/%s:refs/remotes/%s/%s", snapshot.BaseBranch, remote, snapshot.BaseBranch)
	if err := m.git.Fetch(ctx, source.Path, remote, false, baseSpec); err != nil {
		// Retry once with a forced ref update for rebased base branches.
		if err := m.git.Fetch(ctx, source.Path, remote, true, baseSpec); err != nil {
			return "", fmt.Errorf("fetch base branch %s: %w", snapshot.BaseBranch, err)
		}
	}

	anchor := fmt.Sprintf("%s/%s", remote, snapshot.BaseBranch)
	if err := m.git.AddWorktree(ctx, writeRoot, target, anchor, false); err != nil {
		if !strings.Contains(err.Error(), "already registered") && !strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("add worktree: %w", err)
		}
		if err := m.git.AddWorktree(ctx, writeRoot, target, anchor, true); err != nil {
			return "", fmt.Errorf("add worktree (forced): %w", err)
		}
	}

	// Fetch the PR head through the canonical pull ref into a private
	// local ref, then check that ref out inside the worktree.
	localRef := fmt.Sprintf("refs/pair-review/pr-%d", key.Number)
	prSpec := fmt.Sprintf("refs/pull/%d/head:%s", key.Number, localRef)
	if err := m.git.Fetch(ctx, source.Path, remote, true, prSpec); err != nil {
		cleanup()
		return "", fmt.Errorf("fetch pull request head: %w", err)
	}
	if err := m.git.Checkout(ctx, target, localRef); err != nil {
		cleanup()
		return "", fmt.Errorf("checkout pull request head: %w", err)
	}

	head, err := m.git.HeadRevision(ctx, target)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("read worktree HEAD: %w", err)
	}
	if snapshot.HeadRevision != "" && head != snapshot.HeadRevision {
		// The PR may have moved since the snapshot was taken. Review
		// what was fetched rather than failing setup.
		m.logger.Warn("worktree HEAD diverges from snapshot",
			zap.String("expected", snapshot.HeadRevision), zap.String("actual", head))
	}

	return target, nil
}

// EnsurePRDirectoriesCheckedOut expands a sparse checkout to cover
// every directory the pull request touches. Must run before diff
// generation so file contents are readable.
func (m *Manager) EnsurePRDirectoriesCheckedOut(ctx context.Context, worktreePath string, changedFiles []domain.FileChange) error {
	if !m.git.IsSparse(ctx, worktreePath) {
		return nil
	}

	seen := make(map[string]bool)
	var dirs []string
	for _, f := range changedFiles {
		dir := filepath.Dir(f.Path)
		if dir == "." || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	if err := m.git.SparseCheckoutAdd(ctx, worktreePath, dirs); err != nil {
		return fmt.Errorf("expand sparse checkout: %w", err)
	}
	return nil
}

// Diff computes the unified diff between the snapshot's base and head
// revisions (SHAs, not branch names) with three lines of context.
func (m *Manager) Diff(ctx context.Context, worktreePath string, snapshot domain.PRSnapshot) (string, error) {
	out, err := m.git.DiffRange(ctx, worktreePath, snapshot.BaseRevision, snapshot.HeadRevision)
	if err != nil {
		return "", fmt.Errorf("diff %s..%s: %w", snapshot.BaseRevision, snapshot.HeadRevision, err)
	}
	return out, nil
}

// ChangedFiles derives the ordered file-change list from the diff.
func (m *Manager) ChangedFiles(ctx context.Context, worktreePath string, snapshot domain.PRSnapshot) ([]domain.FileChange, error) {
	unified, err := m.Diff(ctx, worktreePath, snapshot)
	if err != nil {
		return nil, err
	}
	return ChangesFromDiff(unified), nil
}

// ChangesFromDiff converts a unified diff into file-change entries,
// preserving the diff's declared order.
func ChangesFromDiff(unified string) []domain.FileChange {
	patches := diff.SplitFiles(unified)
	changes := make([]domain.FileChange, 0, len(patches))
	for _, p := range patches {
		change := domain.FileChange{
			Path:    p.Path,
			OldPath: p.OldPath,
			Status:  p.Status,
			Binary:  p.Binary,
		}
		if parsed, err := diff.Parse(p.Patch); err == nil {
			change.Additions, change.Deletions = parsed.Stats()
		}
		changes = append(changes, change)
	}
	return changes
}

// Remove deletes the worktree at path, unregistering it from the
// source repository when possible.
func (m *Manager) Remove(ctx context.Context, sourceRoot, worktreePath string) error {
	if err := m.git.RemoveWorktree(ctx, sourceRoot, worktreePath); err == nil {
		return nil
	}
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("remove worktree directory: %w", err)
	}
	return nil
}
