package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SessionStatus tracks where a review is in its lifecycle.
type SessionStatus string

const (
	SessionDraft      SessionStatus = "draft"
	SessionSubmitting SessionStatus = "submitting"
	SessionSubmitted  SessionStatus = "submitted"
)

// PRKey identifies a remote pull request.
type PRKey struct {
	Owner  string
	Repo   string
	Number int
}

// String renders the key in owner/repo#number form.
func (k PRKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Owner, k.Repo, k.Number)
}

// ReviewURL is the canonical UI path for the pull request.
func (k PRKey) ReviewURL() string {
	return fmt.Sprintf("/pr/%s/%s/%d", k.Owner, k.Repo, k.Number)
}

// RepoKey returns the owner/repo pair, lowercased for case-insensitive lookups.
func (k PRKey) RepoKey() string {
	return strings.ToLower(k.Owner + "/" + k.Repo)
}

// IsZero reports whether the key is unset.
func (k PRKey) IsZero() bool {
	return k.Owner == "" && k.Repo == "" && k.Number == 0
}

// LocalKey identifies a review of a local working tree.
type LocalKey struct {
	Root         string // absolute path of the repository root
	HeadRevision string
}

// IsZero reports whether the key is unset.
func (k LocalKey) IsZero() bool {
	return k.Root == "" && k.HeadRevision == ""
}

// ID derives the deterministic review identifier for this working state.
// Reopening the same root at the same head yields the same id.
func (k LocalKey) ID() string {
	sum := sha256.Sum256([]byte(k.Root + "\x00" + k.HeadRevision))
	return "local-" + hex.EncodeToString(sum[:8])
}

// Session is a single review instance, backed by either a remote pull
// request or a local working tree. Exactly one of PR and Local is set.
type Session struct {
	ID                 string
	PR                 *PRKey
	Local              *LocalKey
	Status             SessionStatus
	Summary            string
	CustomInstructions string
	RemoteReviewID     int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsPR reports whether the session reviews a remote pull request.
func (s Session) IsPR() bool {
	return s.PR != nil
}

// Validate enforces the key exclusivity invariant.
func (s Session) Validate() error {
	if s.PR != nil && s.Local != nil {
		return fmt.Errorf("session %s has both PR and local keys", s.ID)
	}
	if s.PR == nil && s.Local == nil {
		return fmt.Errorf("session %s has neither PR nor local key", s.ID)
	}
	return nil
}

// Worktree is an isolated on-disk checkout owned by one session.
type Worktree struct {
	SessionID    string
	Path         string
	SourceBranch string
	CreatedAt    time.Time
}

// RepoLocation maps a remote repository to a local clone root.
type RepoLocation struct {
	RepoKey string // lowercased owner/repo
	Path    string
}
