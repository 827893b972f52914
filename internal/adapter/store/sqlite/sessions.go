package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/store"
)

const sessionColumns = `session_id, kind, pr_owner, pr_repo, pr_number, local_root, local_head,
	status, summary, custom_instructions, remote_review_id, created_at, updated_at`

// UpsertSession creates the session for the key if absent and returns
// it. An existing row keeps its summary, custom instructions, status,
// and remote review id untouched.
func (s *Store) UpsertSession(ctx context.Context, key store.SessionKey) (domain.Session, error) {
	if (key.PR == nil) == (key.Local == nil) {
		return domain.Session{}, fmt.Errorf("session key must set exactly one of PR and local")
	}

	existing, err := s.findByKey(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !store.IsNotFound(err) {
		return domain.Session{}, err
	}

	now := time.Now()
	session := domain.Session{
		Status:    domain.SessionDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if key.PR != nil {
			session.ID = uuid.NewString()
			session.PR = key.PR
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sessions (session_id, kind, pr_owner, pr_repo, pr_number, repo_key, status, created_at, updated_at)
				VALUES (?, 'pr', ?, ?, ?, ?, 'draft', ?, ?)`,
				session.ID, key.PR.Owner, key.PR.Repo, key.PR.Number, fold(key.PR.Owner+"/"+key.PR.Repo),
				now.Unix(), now.Unix(),
			)
			return mapConstraintErr(err, "session", key.PR.String())
		}

		// Local session ids are deterministic so reopening the same
		// working state converges on the same session.
		session.ID = key.Local.ID()
		session.Local = key.Local
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, kind, local_root, local_head, status, created_at, updated_at)
			VALUES (?, 'local', ?, ?, 'draft', ?, ?)`,
			session.ID, key.Local.Root, key.Local.HeadRevision, now.Unix(), now.Unix(),
		)
		return mapConstraintErr(err, "session", session.ID)
	})
	if err != nil {
		// A concurrent upsert may have won the insert race; re-read.
		if store.IsConflict(err) {
			return s.findByKey(ctx, key)
		}
		return domain.Session{}, err
	}

	return session, nil
}

func (s *Store) findByKey(ctx context.Context, key store.SessionKey) (domain.Session, error) {
	if key.PR != nil {
		return s.FindSessionByPR(ctx, *key.PR)
	}
	return s.FindSessionByLocal(ctx, *key.Local)
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	return scanSession(row, id)
}

// FindSessionByPR looks a session up by its PR key, case-insensitively.
func (s *Store) FindSessionByPR(ctx context.Context, key domain.PRKey) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE kind = 'pr' AND repo_key = ? AND pr_number = ?`,
		fold(key.Owner+"/"+key.Repo), key.Number)
	return scanSession(row, key.String())
}

// FindSessionByLocal looks a session up by its local key.
func (s *Store) FindSessionByLocal(ctx context.Context, key domain.LocalKey) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE kind = 'local' AND local_root = ? AND local_head = ?`,
		key.Root, key.HeadRevision)
	return scanSession(row, key.Root)
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows, "")
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus moves a session through its lifecycle.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	return s.execOne(ctx, "session", id,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
		string(status), time.Now().Unix(), id)
}

// UpdateSessionNotes sets the summary and custom instructions.
func (s *Store) UpdateSessionNotes(ctx context.Context, id, summary, customInstructions string) error {
	return s.execOne(ctx, "session", id,
		`UPDATE sessions SET summary = ?, custom_instructions = ?, updated_at = ? WHERE session_id = ?`,
		summary, customInstructions, time.Now().Unix(), id)
}

// SetRemoteReviewID records (or supersedes) the remote review id.
func (s *Store) SetRemoteReviewID(ctx context.Context, id string, reviewID int64) error {
	return s.execOne(ctx, "session", id,
		`UPDATE sessions SET remote_review_id = ?, updated_at = ? WHERE session_id = ?`,
		reviewID, time.Now().Unix(), id)
}

// DeleteSession removes a session; snapshots, worktrees, suggestions,
// comments, and runs cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.execOne(ctx, "session", id, `DELETE FROM sessions WHERE session_id = ?`, id)
}

// StorePRBundle persists the snapshot, bumps the session row, and
// optionally inserts the worktree and repo location, all in one
// transaction.
func (s *Store) StorePRBundle(ctx context.Context, sessionID string, bundle store.PRBundle) error {
	changed, err := json.Marshal(bundle.Snapshot.ChangedFiles)
	if err != nil {
		return fmt.Errorf("encode changed files: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()

		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, now, sessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.NotFound("session", sessionID)
		}

		snap := bundle.Snapshot
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (session_id, title, description, author, base_branch, head_branch,
				base_revision, head_revision, unified_diff, changed_files, clone_url, ssh_url, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				author = excluded.author,
				base_branch = excluded.base_branch,
				head_branch = excluded.head_branch,
				base_revision = excluded.base_revision,
				head_revision = excluded.head_revision,
				unified_diff = excluded.unified_diff,
				changed_files = excluded.changed_files,
				clone_url = excluded.clone_url,
				ssh_url = excluded.ssh_url,
				fetched_at = excluded.fetched_at`,
			sessionID, snap.Title, snap.Description, snap.Author, snap.BaseBranch, snap.HeadBranch,
			snap.BaseRevision, snap.HeadRevision, snap.UnifiedDiff, string(changed),
			snap.CloneURL, snap.SSHURL, snap.FetchedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}

		if bundle.WorktreePath != "" {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO worktrees (session_id, path, source_branch, created_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(session_id) DO UPDATE SET
					path = excluded.path,
					source_branch = excluded.source_branch,
					created_at = excluded.created_at`,
				sessionID, bundle.WorktreePath, bundle.SourceBranch, now,
			)
			if err != nil {
				return fmt.Errorf("store worktree: %w", err)
			}
		}

		if bundle.RepoPath != "" {
			session, err := s.getSessionTx(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if session.PR != nil {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO repo_locations (repo_key, path) VALUES (?, ?)
					ON CONFLICT(repo_key) DO UPDATE SET path = excluded.path`,
					session.PR.RepoKey(), bundle.RepoPath,
				)
				if err != nil {
					return fmt.Errorf("store repo location: %w", err)
				}
			}
		}

		return nil
	})
}

// GetSnapshot retrieves the PR snapshot for a session.
func (s *Store) GetSnapshot(ctx context.Context, sessionID string) (domain.PRSnapshot, error) {
	var snap domain.PRSnapshot
	var changed string
	var fetchedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT title, description, author, base_branch, head_branch, base_revision, head_revision,
			unified_diff, changed_files, clone_url, ssh_url, fetched_at
		FROM snapshots WHERE session_id = ?`, sessionID).Scan(
		&snap.Title, &snap.Description, &snap.Author, &snap.BaseBranch, &snap.HeadBranch,
		&snap.BaseRevision, &snap.HeadRevision, &snap.UnifiedDiff, &changed,
		&snap.CloneURL, &snap.SSHURL, &fetchedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.PRSnapshot{}, store.NotFound("snapshot", sessionID)
		}
		return domain.PRSnapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(changed), &snap.ChangedFiles); err != nil {
		return domain.PRSnapshot{}, fmt.Errorf("decode changed files: %w", err)
	}
	snap.FetchedAt = time.Unix(fetchedAt, 0)
	return snap, nil
}

// GetWorktree retrieves the active worktree for a session.
func (s *Store) GetWorktree(ctx context.Context, sessionID string) (domain.Worktree, error) {
	var wt domain.Worktree
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, path, source_branch, created_at FROM worktrees WHERE session_id = ?`,
		sessionID).Scan(&wt.SessionID, &wt.Path, &wt.SourceBranch, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Worktree{}, store.NotFound("worktree", sessionID)
		}
		return domain.Worktree{}, fmt.Errorf("failed to get worktree: %w", err)
	}

	wt.CreatedAt = time.Unix(createdAt, 0)
	return wt, nil
}

// PutWorktree inserts or replaces the session's worktree row.
func (s *Store) PutWorktree(ctx context.Context, wt domain.Worktree) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO worktrees (session_id, path, source_branch, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				path = excluded.path,
				source_branch = excluded.source_branch,
				created_at = excluded.created_at`,
			wt.SessionID, wt.Path, wt.SourceBranch, wt.CreatedAt.Unix())
		return mapConstraintErr(err, "worktree", wt.SessionID)
	})
}

// DeleteWorktree removes the session's worktree row.
func (s *Store) DeleteWorktree(ctx context.Context, sessionID string) error {
	return s.execOne(ctx, "worktree", sessionID,
		`DELETE FROM worktrees WHERE session_id = ?`, sessionID)
}

// GetLocalPath returns the registered clone root for a repo key.
func (s *Store) GetLocalPath(ctx context.Context, repoKey string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT path FROM repo_locations WHERE repo_key = ?`, fold(repoKey)).Scan(&path)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", store.NotFound("repo location", repoKey)
		}
		return "", fmt.Errorf("failed to get repo location: %w", err)
	}
	return path, nil
}

// SetLocalPath registers a clone root for a repo key; an empty path
// clears the entry.
func (s *Store) SetLocalPath(ctx context.Context, repoKey, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if path == "" {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM repo_locations WHERE repo_key = ?`, fold(repoKey))
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO repo_locations (repo_key, path) VALUES (?, ?)
			ON CONFLICT(repo_key) DO UPDATE SET path = excluded.path`,
			fold(repoKey), path)
		return err
	})
}

// execOne runs a mutation that must affect exactly one row.
func (s *Store) execOne(ctx context.Context, entity, key, query string, args ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return mapConstraintErr(err, entity, key)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if n == 0 {
			return store.NotFound(entity, key)
		}
		return nil
	})
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, key string) (domain.Session, error) {
	var (
		session                          domain.Session
		kind, status                     string
		prOwner, prRepo                  sql.NullString
		prNumber                         sql.NullInt64
		localRoot, localHead             sql.NullString
		remoteReviewID                   int64
		createdAt, updatedAt             int64
	)

	err := row.Scan(&session.ID, &kind, &prOwner, &prRepo, &prNumber, &localRoot, &localHead,
		&status, &session.Summary, &session.CustomInstructions, &remoteReviewID,
		&createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Session{}, store.NotFound("session", key)
		}
		return domain.Session{}, fmt.Errorf("failed to scan session: %w", err)
	}

	session.Status = domain.SessionStatus(status)
	session.RemoteReviewID = remoteReviewID
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)

	switch kind {
	case "pr":
		session.PR = &domain.PRKey{
			Owner:  prOwner.String,
			Repo:   prRepo.String,
			Number: int(prNumber.Int64),
		}
	case "local":
		session.Local = &domain.LocalKey{
			Root:         localRoot.String,
			HeadRevision: localHead.String,
		}
	}

	return session, nil
}

func (s *Store) getSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	return scanSession(row, id)
}
