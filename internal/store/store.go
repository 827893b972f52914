// Package store defines the persistence port for review sessions.
package store

import (
	"context"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

// SessionKey identifies a session for upsert: exactly one of PR and
// Local is set.
type SessionKey struct {
	PR    *domain.PRKey
	Local *domain.LocalKey
}

// PRBundle is the transactional payload persisted at the end of PR setup.
type PRBundle struct {
	Snapshot     domain.PRSnapshot
	WorktreePath string // empty means no worktree row
	SourceBranch string
	RepoPath     string // registers a repo location when non-empty
}

// SuggestionFilter narrows suggestion listings.
type SuggestionFilter struct {
	Status domain.SuggestionStatus // empty matches all
	RunID  string                  // empty matches all
}

// Store is the persistence port. Implementations serialize writes;
// reads never block writes longer than a single statement.
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, key SessionKey) (domain.Session, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
	FindSessionByPR(ctx context.Context, key domain.PRKey) (domain.Session, error)
	FindSessionByLocal(ctx context.Context, key domain.LocalKey) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error
	UpdateSessionNotes(ctx context.Context, id, summary, customInstructions string) error
	SetRemoteReviewID(ctx context.Context, id string, reviewID int64) error
	DeleteSession(ctx context.Context, id string) error

	// PR bundle: snapshot + session row + optional worktree in one
	// transaction, rolled back on any error.
	StorePRBundle(ctx context.Context, sessionID string, bundle PRBundle) error
	GetSnapshot(ctx context.Context, sessionID string) (domain.PRSnapshot, error)

	// Worktrees
	GetWorktree(ctx context.Context, sessionID string) (domain.Worktree, error)
	PutWorktree(ctx context.Context, wt domain.Worktree) error
	DeleteWorktree(ctx context.Context, sessionID string) error

	// Repo locations
	GetLocalPath(ctx context.Context, repoKey string) (string, error)
	SetLocalPath(ctx context.Context, repoKey, path string) error // empty path clears

	// Analysis runs
	CreateRun(ctx context.Context, run domain.AnalysisRun) error
	UpdateRun(ctx context.Context, run domain.AnalysisRun) error
	GetRun(ctx context.Context, id string) (domain.AnalysisRun, error)
	ListRuns(ctx context.Context, sessionID string) ([]domain.AnalysisRun, error)

	// Suggestions. ReplaceFinalForRun atomically discards any prior
	// suggestions for the run and inserts the final curated list.
	ReplaceFinalForRun(ctx context.Context, runID string, suggestions []domain.Suggestion) error
	ListSuggestions(ctx context.Context, sessionID string, filter SuggestionFilter) ([]domain.Suggestion, error)
	GetSuggestion(ctx context.Context, id string) (domain.Suggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id string, status domain.SuggestionStatus) error

	// Comments
	CreateComment(ctx context.Context, c domain.Comment) error
	GetComment(ctx context.Context, id string) (domain.Comment, error)
	ListComments(ctx context.Context, sessionID string) ([]domain.Comment, error)
	UpdateCommentBody(ctx context.Context, id, body string) error
	// DeleteComment soft-deletes; when the comment adopted a suggestion,
	// the suggestion flips back to dismissed in the same transaction.
	DeleteComment(ctx context.Context, id string) error

	// AdoptSuggestion marks the suggestion adopted and creates the
	// linked comment in one transaction.
	AdoptSuggestion(ctx context.Context, suggestionID string, comment domain.Comment) error

	Close() error
}
