package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/store"
	"github.com/in-the-loop-labs/pair-review/internal/worktree"
)

// SessionContext is everything a run needs from its session.
type SessionContext struct {
	Session  domain.Session
	Snapshot domain.PRSnapshot
	// Root is where file contents are read from: the worktree for PR
	// sessions, the repository root for local ones.
	Root string
}

// ContextSource loads session context and resolves file contents for
// the deeper analysis levels.
type ContextSource interface {
	Load(ctx context.Context, sessionID string) (SessionContext, error)
	FileContents(sc SessionContext, files []string) string
	LineCounts(sc SessionContext, files []string) map[string]int
	// RelatedFiles resolves cross-file context for level 3, expanding a
	// sparse checkout when necessary.
	RelatedFiles(ctx context.Context, sc SessionContext) ([]string, error)
}

// relatedFileCap bounds level-3 context so a change in a hot directory
// cannot drag the whole tree into the prompt.
const relatedFileCap = 40

// storeContextSource is the default ContextSource backed by the store
// and the worktree layout.
type storeContextSource struct {
	store     store.Store
	worktrees *worktree.Manager
}

// NewContextSource builds the default context source.
func NewContextSource(st store.Store, wt *worktree.Manager) ContextSource {
	return &storeContextSource{store: st, worktrees: wt}
}

func (s *storeContextSource) Load(ctx context.Context, sessionID string) (SessionContext, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionContext{}, err
	}
	snapshot, err := s.store.GetSnapshot(ctx, sessionID)
	if err != nil {
		return SessionContext{}, err
	}

	sc := SessionContext{Session: session, Snapshot: snapshot}
	if session.IsPR() {
		wt, err := s.store.GetWorktree(ctx, sessionID)
		if err != nil {
			return SessionContext{}, fmt.Errorf("session %s has no worktree: %w", sessionID, err)
		}
		sc.Root = wt.Path
	} else {
		sc.Root = session.Local.Root
	}
	return sc, nil
}

func (s *storeContextSource) FileContents(sc SessionContext, files []string) string {
	return worktree.ReadFiles(sc.Root, files)
}

func (s *storeContextSource) LineCounts(sc SessionContext, files []string) map[string]int {
	return worktree.LineCounts(sc.Root, files)
}

func (s *storeContextSource) RelatedFiles(ctx context.Context, sc SessionContext) ([]string, error) {
	if sc.Session.IsPR() {
		if err := s.worktrees.EnsurePRDirectoriesCheckedOut(ctx, sc.Root, sc.Snapshot.ChangedFiles); err != nil {
			return nil, err
		}
	}

	changed := make(map[string]bool, len(sc.Snapshot.ChangedFiles))
	dirs := make(map[string]bool)
	for _, f := range sc.Snapshot.ChangedFiles {
		changed[f.Path] = true
		dirs[filepath.Dir(f.Path)] = true
	}

	var related []string
	for dir := range dirs {
		entries, err := filepath.Glob(filepath.Join(sc.Root, dir, "*"))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, err := os.Stat(entry)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(sc.Root, entry)
			if err != nil || changed[rel] {
				continue
			}
			related = append(related, rel)
		}
	}
	sort.Strings(related)
	if len(related) > relatedFileCap {
		related = related[:relatedFileCap]
	}
	return related, nil
}
