package worktree_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/git"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/worktree"
)

// fakeGit records git operations against an in-memory repo map.
type fakeGit struct {
	repos        map[string]bool // dirs that are git repos
	sparse       map[string]bool
	remotes      map[string][]git.Remote
	head         string
	commonDirs   map[string]string
	fetched      []string
	worktrees    []string
	checkouts    []string
	sparseAdds   [][]string
	clones       []string
	removedTrees []string
	failFetchOn  map[string]int // refspec -> remaining failures
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		repos:       make(map[string]bool),
		sparse:      make(map[string]bool),
		remotes:     make(map[string][]git.Remote),
		commonDirs:  make(map[string]string),
		failFetchOn: make(map[string]int),
	}
}

func (f *fakeGit) IsRepo(ctx context.Context, dir string) bool { return f.repos[dir] }
func (f *fakeGit) RootDir(ctx context.Context, dir string) (string, error) {
	return dir, nil
}
func (f *fakeGit) CommonDir(ctx context.Context, dir string) (string, error) {
	if cd, ok := f.commonDirs[dir]; ok {
		return cd, nil
	}
	return filepath.Join(dir, ".git"), nil
}
func (f *fakeGit) HeadRevision(ctx context.Context, dir string) (string, error) {
	return f.head, nil
}
func (f *fakeGit) ResolveRevision(ctx context.Context, dir, rev string) (string, error) {
	return rev, nil
}
func (f *fakeGit) Fetch(ctx context.Context, dir, remote string, force bool, refspecs ...string) error {
	for _, spec := range refspecs {
		if n, ok := f.failFetchOn[spec]; ok && n > 0 {
			f.failFetchOn[spec] = n - 1
			return fmt.Errorf("fetch conflict on %s", spec)
		}
	}
	f.fetched = append(f.fetched, fmt.Sprintf("%s %v force=%t", remote, refspecs, force))
	return nil
}
func (f *fakeGit) CloneBare(ctx context.Context, url, target string) error {
	f.clones = append(f.clones, url)
	f.repos[target] = true
	return nil
}
func (f *fakeGit) AddWorktree(ctx context.Context, repoDir, path, commitish string, force bool) error {
	f.worktrees = append(f.worktrees, path)
	f.repos[path] = true
	_ = os.MkdirAll(path, 0o755)
	return nil
}
func (f *fakeGit) RemoveWorktree(ctx context.Context, repoDir, path string) error {
	f.removedTrees = append(f.removedTrees, path)
	return os.RemoveAll(path)
}
func (f *fakeGit) Checkout(ctx context.Context, dir, ref string) error {
	f.checkouts = append(f.checkouts, ref)
	return nil
}
func (f *fakeGit) IsSparse(ctx context.Context, dir string) bool { return f.sparse[dir] }
func (f *fakeGit) SparseCheckoutAdd(ctx context.Context, dir string, paths []string) error {
	f.sparseAdds = append(f.sparseAdds, paths)
	return nil
}
func (f *fakeGit) DiffRange(ctx context.Context, dir, baseRev, headRev string) (string, error) {
	return "", nil
}
func (f *fakeGit) ListRemotes(ctx context.Context, dir string) ([]git.Remote, error) {
	return f.remotes[dir], nil
}
func (f *fakeGit) SetRemoteURL(ctx context.Context, dir, name, url string) error {
	f.remotes[dir] = append(f.remotes[dir], git.Remote{Name: name, URLs: []string{url}})
	return nil
}

// fakeLocations is an in-memory LocationStore.
type fakeLocations struct {
	paths map[string]string
}

func (f *fakeLocations) GetLocalPath(ctx context.Context, repoKey string) (string, error) {
	if p, ok := f.paths[repoKey]; ok && p != "" {
		return p, nil
	}
	return "", fmt.Errorf("repo location %s: not found", repoKey)
}
func (f *fakeLocations) SetLocalPath(ctx context.Context, repoKey, path string) error {
	if f.paths == nil {
		f.paths = make(map[string]string)
	}
	if path == "" {
		delete(f.paths, repoKey)
		return nil
	}
	f.paths[repoKey] = path
	return nil
}

var testKey = domain.PRKey{Owner: "acme", Repo: "widget", Number: 42}

func testSnapshot() domain.PRSnapshot {
	return domain.PRSnapshot{
		Title:        "Add helper",
		BaseBranch:   "main",
		HeadBranch:   "feature",
		BaseRevision: "aaa",
		HeadRevision: "bbb",
		CloneURL:     "https://github.com/acme/widget.git",
		SSHURL:       "git@github.com:acme/widget.git",
	}
}

func TestDiscoverRepo_RegisteredLocation(t *testing.T) {
	fg := newFakeGit()
	fg.repos["/srv/widget"] = true
	locs := &fakeLocations{paths: map[string]string{"acme/widget": "/srv/widget"}}

	m := worktree.NewManager(fg, locs, t.TempDir(), nil, nil)
	src, err := m.DiscoverRepo(context.Background(), testKey, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "/srv/widget", src.Path)
	assert.Equal(t, "registered-location", src.Tier)
}

func TestDiscoverRepo_ClearsInvalidLocation(t *testing.T) {
	fg := newFakeGit()
	locs := &fakeLocations{paths: map[string]string{"acme/widget": "/gone"}}

	m := worktree.NewManager(fg, locs, t.TempDir(), nil, nil)
	src, err := m.DiscoverRepo(context.Background(), testKey, testSnapshot())
	require.NoError(t, err)

	// The stale entry was cleared and a fresh clone created.
	assert.Empty(t, locs.paths["acme/widget"])
	assert.True(t, src.NewlyCloned)
	assert.Len(t, fg.clones, 1)
}

func TestDiscoverRepo_MonorepoOverrideWins(t *testing.T) {
	fg := newFakeGit()
	fg.repos["/mono"] = true
	locs := &fakeLocations{paths: map[string]string{"acme/widget": "/srv/widget"}}

	m := worktree.NewManager(fg, locs, t.TempDir(), map[string]string{"acme/widget": "/mono"}, nil)
	src, err := m.DiscoverRepo(context.Background(), testKey, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "/mono", src.Path)
	assert.Equal(t, "monorepo-override", src.Tier)
}

func TestCreateForPR_FetchesAndChecksOutHead(t *testing.T) {
	fg := newFakeGit()
	fg.head = "bbb"
	cfgDir := t.TempDir()
	fg.repos["/srv/widget"] = true
	fg.remotes["/srv/widget"] = []git.Remote{{Name: "origin", URLs: []string{"git@github.com:Acme/Widget.git"}}}

	m := worktree.NewManager(fg, &fakeLocations{}, cfgDir, nil, nil)
	src := worktree.Source{Path: "/srv/widget", MainRoot: "/srv/widget"}

	path, err := m.CreateForPR(context.Background(), testKey, testSnapshot(), src, worktree.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, m.WorktreePath(testKey), path)

	// The PR head ref was checked out inside the worktree.
	require.NotEmpty(t, fg.checkouts)
	assert.Equal(t, "refs/pair-review/pr-42", fg.checkouts[len(fg.checkouts)-1])
	// Remote resolution matched origin despite case and scheme noise.
	assert.Contains(t, fg.fetched[0], "origin")
}

func TestCreateForPR_RetriesFetchWithForce(t *testing.T) {
	fg := newFakeGit()
	fg.head = "bbb"
	fg.repos["/srv/widget"] = true
	fg.remotes["/srv/widget"] = []git.Remote{{Name: "origin", URLs: []string{"https://github.com/acme/widget"}}}
	fg.failFetchOn["refs/heads/main:refs/remotes/origin/main"] = 1

	m := worktree.NewManager(fg, &fakeLocations{}, t.TempDir(), nil, nil)
	src := worktree.Source{Path: "/srv/widget", MainRoot: "/srv/widget"}

	_, err := m.CreateForPR(context.Background(), testKey, testSnapshot(), src, worktree.CreateOptions{})
	require.NoError(t, err)
	// The retry carried the forced refspec.
	assert.Contains(t, fg.fetched[0], "force=true")
}

func TestResolveRemoteForRepo_AddsDedicatedRemote(t *testing.T) {
	fg := newFakeGit()
	fg.repos["/srv/other"] = true
	fg.remotes["/srv/other"] = []git.Remote{{Name: "origin", URLs: []string{"https://github.com/acme/gadget"}}}

	m := worktree.NewManager(fg, &fakeLocations{}, t.TempDir(), nil, nil)
	name, err := m.ResolveRemoteForRepo(context.Background(), "/srv/other",
		"https://github.com/acme/widget.git", "git@github.com:acme/widget.git")
	require.NoError(t, err)
	assert.Equal(t, "pair-review-base", name)

	// A second resolution now matches the added remote.
	name, err = m.ResolveRemoteForRepo(context.Background(), "/srv/other",
		"https://github.com/acme/widget.git", "")
	require.NoError(t, err)
	assert.Equal(t, "pair-review-base", name)
}

func TestEnsurePRDirectoriesCheckedOut(t *testing.T) {
	fg := newFakeGit()
	m := worktree.NewManager(fg, &fakeLocations{}, t.TempDir(), nil, nil)

	files := []domain.FileChange{
		{Path: "pkg/a/x.go"}, {Path: "pkg/a/y.go"}, {Path: "cmd/tool/main.go"}, {Path: "README.md"},
	}

	// Dense checkout: nothing to do.
	require.NoError(t, m.EnsurePRDirectoriesCheckedOut(context.Background(), "/wt", files))
	assert.Empty(t, fg.sparseAdds)

	// Sparse checkout: every touched directory is added once.
	fg.sparse["/wt"] = true
	require.NoError(t, m.EnsurePRDirectoriesCheckedOut(context.Background(), "/wt", files))
	require.Len(t, fg.sparseAdds, 1)
	assert.Equal(t, []string{"cmd/tool", "pkg/a"}, fg.sparseAdds[0])
}

func TestLineCounts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "three.txt"), []byte("a\nb\nc\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "no-newline.txt"), []byte("a\nb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), nil, 0o644))

	counts := worktree.LineCounts(dir, []string{"three.txt", "no-newline.txt", "empty.txt", "absent.txt"})
	assert.Equal(t, 3, counts["three.txt"])
	assert.Equal(t, 2, counts["no-newline.txt"])
	assert.Equal(t, 0, counts["empty.txt"])
	assert.Equal(t, worktree.UnknownLineCount, counts["absent.txt"])
}
