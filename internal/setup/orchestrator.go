// Package setup builds review sessions step by step, reporting
// progress for every transition.
package setup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/github"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/progress"
	"github.com/in-the-loop-labs/pair-review/internal/store"
	"github.com/in-the-loop-labs/pair-review/internal/worktree"
)

// Step names for PR setup, in execution order.
const (
	StepVerify   = "verify"
	StepFetch    = "fetch"
	StepRepo     = "repo"
	StepWorktree = "worktree"
	StepSparse   = "sparse"
	StepDiff     = "diff"
	StepStore    = "store"
)

// Step names for local setup.
const (
	StepValidate = "validate"
	StepGit      = "git"
	StepIdentity = "identity"
)

// Step statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// defaultTimeout bounds one whole setup.
const defaultTimeout = 10 * time.Minute

// StepEvent is the progress payload published after every transition.
type StepEvent struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CompleteEvent terminates a successful setup stream.
type CompleteEvent struct {
	ReviewURL string `json:"review_url"`
	Title     string `json:"title"`
	SessionID string `json:"session_id"`
}

// ErrorEvent terminates a failed setup stream.
type ErrorEvent struct {
	Message string `json:"message"`
}

// LocalGit is the subset of git operations local setup needs.
type LocalGit interface {
	RootDir(ctx context.Context, dir string) (string, error)
	HeadRevision(ctx context.Context, dir string) (string, error)
	DiffWorkingTree(ctx context.Context, dir string) (string, error)
}

// WorktreeManager is the worktree port the orchestrator drives.
type WorktreeManager interface {
	DiscoverRepo(ctx context.Context, key domain.PRKey, snapshot domain.PRSnapshot) (worktree.Source, error)
	CreateForPR(ctx context.Context, key domain.PRKey, snapshot domain.PRSnapshot, source worktree.Source, opts worktree.CreateOptions) (string, error)
	EnsurePRDirectoriesCheckedOut(ctx context.Context, worktreePath string, changedFiles []domain.FileChange) error
	Diff(ctx context.Context, worktreePath string, snapshot domain.PRSnapshot) (string, error)
}

// Result is the outcome of a finished setup.
type Result struct {
	SessionID string
	ReviewURL string
	Title     string
	Err       error
}

// inflight is one running setup shared by concurrent callers.
type inflight struct {
	setupID string
	done    chan struct{}
	result  Result
}

// Orchestrator coordinates session construction.
type Orchestrator struct {
	vcs       github.Client
	worktrees WorktreeManager
	git       LocalGit
	store     store.Store
	broker    *progress.Broker
	logger    *zap.Logger
	timeout   time.Duration

	mu       sync.Mutex
	inflight map[string]*inflight
}

// NewOrchestrator wires the orchestrator dependencies.
func NewOrchestrator(vcs github.Client, wt WorktreeManager, localGit LocalGit, st store.Store, broker *progress.Broker, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		vcs:       vcs,
		worktrees: wt,
		git:       localGit,
		store:     st,
		broker:    broker,
		logger:    logger,
		timeout:   defaultTimeout,
		inflight:  make(map[string]*inflight),
	}
}

// SetTimeout overrides the per-setup deadline.
func (o *Orchestrator) SetTimeout(d time.Duration) { o.timeout = d }

// StartPR begins (or joins) a PR setup. When the session is already
// fully materialized — snapshot stored and worktree present — no setup
// runs and existing is true.
func (o *Orchestrator) StartPR(ctx context.Context, key domain.PRKey) (setupID string, existing bool, reviewURL string, err error) {
	if key.Owner == "" || key.Repo == "" || key.Number <= 0 {
		return "", false, "", fmt.Errorf("invalid pull request key %s", key)
	}

	if session, err := o.store.FindSessionByPR(ctx, key); err == nil {
		_, snapErr := o.store.GetSnapshot(ctx, session.ID)
		wt, wtErr := o.store.GetWorktree(ctx, session.ID)
		if snapErr == nil && wtErr == nil && dirExists(wt.Path) {
			return "", true, key.ReviewURL(), nil
		}
	}

	setupKey := "pr:" + key.RepoKey() + fmt.Sprintf("#%d", key.Number)
	return o.startShared(setupKey, func(ctx context.Context, setupID string) Result {
		return o.runPRSetup(ctx, setupID, key)
	})
}

// StartLocal begins (or joins) a local working-tree setup.
func (o *Orchestrator) StartLocal(ctx context.Context, path string) (setupID string, err error) {
	if path == "" {
		return "", fmt.Errorf("local setup requires a path")
	}

	setupKey := "local:" + filepath.Clean(path)
	id, _, _, err := o.startShared(setupKey, func(ctx context.Context, setupID string) Result {
		return o.runLocalSetup(ctx, setupID, path)
	})
	return id, err
}

// startShared implements the single-winner in-flight registry:
// concurrent callers with the same setup key share one setup id and
// one progress stream.
func (o *Orchestrator) startShared(setupKey string, run func(ctx context.Context, setupID string) Result) (string, bool, string, error) {
	o.mu.Lock()
	if f, ok := o.inflight[setupKey]; ok {
		o.mu.Unlock()
		return f.setupID, false, "", nil
	}

	f := &inflight{setupID: uuid.NewString(), done: make(chan struct{})}
	o.inflight[setupKey] = f
	o.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()

		f.result = run(ctx, f.setupID)

		// Deregister before the terminal event goes out, so an observer
		// reacting to completion never joins this finished setup.
		o.mu.Lock()
		delete(o.inflight, setupKey)
		o.mu.Unlock()

		if f.result.Err != nil {
			o.broker.Publish(f.setupID, progress.EventError, ErrorEvent{Message: f.result.Err.Error()})
		} else {
			o.broker.Publish(f.setupID, progress.EventComplete, CompleteEvent{
				ReviewURL: f.result.ReviewURL,
				Title:     f.result.Title,
				SessionID: f.result.SessionID,
			})
		}
		close(f.done)
	}()

	return f.setupID, false, "", nil
}

// Wait blocks until the setup with the given key finishes, for tests
// and synchronous callers.
func (o *Orchestrator) Wait(setupID string) {
	o.mu.Lock()
	var f *inflight
	for _, cand := range o.inflight {
		if cand.setupID == setupID {
			f = cand
			break
		}
	}
	o.mu.Unlock()
	if f != nil {
		<-f.done
	}
}

// step runs one named step, publishing running/completed/error events
// around it.
func (o *Orchestrator) step(setupID, name, message string, fn func() error) error {
	o.broker.Publish(setupID, "step", StepEvent{Step: name, Status: StatusRunning, Message: message})
	if err := fn(); err != nil {
		o.broker.Publish(setupID, "step", StepEvent{Step: name, Status: StatusError, Message: err.Error()})
		return fmt.Errorf("%s: %w", name, err)
	}
	o.broker.Publish(setupID, "step", StepEvent{Step: name, Status: StatusCompleted})
	return nil
}

// runPRSetup executes verify → fetch → repo → worktree → sparse →
// diff → store. The first failing step terminates the stream; nothing
// is persisted until the final transactional store step.
func (o *Orchestrator) runPRSetup(ctx context.Context, setupID string, key domain.PRKey) Result {
	fail := func(err error) Result {
		o.logger.Warn("pr setup failed", zap.String("pr", key.String()), zap.Error(err))
		return Result{Err: err}
	}

	if err := o.step(setupID, StepVerify, "probing repository access", func() error {
		return o.vcs.VerifyAccess(ctx, key.Owner, key.Repo)
	}); err != nil {
		return fail(err)
	}

	var snapshot domain.PRSnapshot
	if err := o.step(setupID, StepFetch, "fetching pull request metadata", func() error {
		var err error
		snapshot, err = o.vcs.FetchPR(ctx, key)
		return err
	}); err != nil {
		return fail(err)
	}

	var source worktree.Source
	if err := o.step(setupID, StepRepo, "locating local repository", func() error {
		var err error
		source, err = o.worktrees.DiscoverRepo(ctx, key, snapshot)
		if err == nil && source.NewlyCloned {
			o.broker.Publish(setupID, "step", StepEvent{
				Step: StepRepo, Status: StatusRunning,
				Message: fmt.Sprintf("cloned %s into local cache", key.RepoKey()),
			})
		}
		return err
	}); err != nil {
		return fail(err)
	}

	var worktreePath string
	if err := o.step(setupID, StepWorktree, "materializing isolated checkout", func() error {
		var err error
		worktreePath, err = o.worktrees.CreateForPR(ctx, key, snapshot, source, worktree.CreateOptions{})
		return err
	}); err != nil {
		return fail(err)
	}

	if err := o.step(setupID, StepSparse, "expanding sparse checkout", func() error {
		return o.worktrees.EnsurePRDirectoriesCheckedOut(ctx, worktreePath, snapshot.ChangedFiles)
	}); err != nil {
		return fail(err)
	}

	if err := o.step(setupID, StepDiff, "computing diff", func() error {
		unified, err := o.worktrees.Diff(ctx, worktreePath, snapshot)
		if err != nil {
			return err
		}
		snapshot.UnifiedDiff = unified
		if changes := worktree.ChangesFromDiff(unified); len(changes) > 0 {
			snapshot.ChangedFiles = changes
		}
		return nil
	}); err != nil {
		return fail(err)
	}

	var session domain.Session
	if err := o.step(setupID, StepStore, "persisting session", func() error {
		var err error
		session, err = o.store.UpsertSession(ctx, store.SessionKey{PR: &key})
		if err != nil {
			return err
		}
		bundle := store.PRBundle{
			Snapshot:     snapshot,
			WorktreePath: worktreePath,
			SourceBranch: snapshot.BaseBranch,
		}
		if source.NewlyCloned || source.Tier == "registered-location" {
			bundle.RepoPath = source.MainRoot
		}
		return o.store.StorePRBundle(ctx, session.ID, bundle)
	}); err != nil {
		return fail(err)
	}

	return Result{SessionID: session.ID, ReviewURL: key.ReviewURL(), Title: snapshot.Title}
}

// runLocalSetup executes validate → git → identity → diff → store.
// The whole sequence is idempotent: the same root and head converge on
// the same session.
func (o *Orchestrator) runLocalSetup(ctx context.Context, setupID, path string) Result {
	fail := func(err error) Result {
		o.logger.Warn("local setup failed", zap.String("path", path), zap.Error(err))
		return Result{Err: err}
	}

	if err := o.step(setupID, StepValidate, "validating path", func() error {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("path %s is not absolute", path)
		}
		if !dirExists(path) {
			return fmt.Errorf("path %s does not exist", path)
		}
		return nil
	}); err != nil {
		return fail(err)
	}

	var root, head string
	if err := o.step(setupID, StepGit, "locating repository root", func() error {
		var err error
		root, err = o.git.RootDir(ctx, path)
		return err
	}); err != nil {
		return fail(err)
	}

	var key domain.LocalKey
	if err := o.step(setupID, StepIdentity, "computing review identity", func() error {
		var err error
		head, err = o.git.HeadRevision(ctx, root)
		if err != nil {
			return err
		}
		key = domain.LocalKey{Root: root, HeadRevision: head}
		return nil
	}); err != nil {
		return fail(err)
	}

	var unified string
	if err := o.step(setupID, StepDiff, "diffing working tree", func() error {
		var err error
		unified, err = o.git.DiffWorkingTree(ctx, root)
		return err
	}); err != nil {
		return fail(err)
	}

	var session domain.Session
	if err := o.step(setupID, StepStore, "persisting session", func() error {
		var err error
		session, err = o.store.UpsertSession(ctx, store.SessionKey{Local: &key})
		if err != nil {
			return err
		}
		return o.store.StorePRBundle(ctx, session.ID, store.PRBundle{
			Snapshot: domain.PRSnapshot{
				Title:        filepath.Base(root),
				HeadRevision: head,
				UnifiedDiff:  unified,
				ChangedFiles: worktree.ChangesFromDiff(unified),
				FetchedAt:    time.Now(),
			},
		})
	}); err != nil {
		return fail(err)
	}

	return Result{SessionID: session.ID, ReviewURL: "/local/" + session.ID, Title: filepath.Base(root)}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
