package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/store"
)

const commentColumns = `comment_id, session_id, file, line_start, line_end, side, body, author,
	parent_suggestion_id, created_at, updated_at, deleted`

// CreateComment inserts a human comment.
func (s *Store) CreateComment(ctx context.Context, c domain.Comment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertComment(ctx, tx, c)
	})
}

func insertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	deleted := 0
	if c.Deleted {
		deleted = 1
	}
	side := c.Side
	if side == "" {
		side = domain.SideNew
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO comments (`+commentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.File, nullableInt(c.LineStart), nullableInt(c.LineEnd),
		string(side), c.Body, c.Author, c.ParentSuggestionID,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix(), deleted,
	)
	return mapConstraintErr(err, "comment", c.ID)
}

// GetComment retrieves a comment by id, including soft-deleted rows.
func (s *Store) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE comment_id = ?`, id)
	return scanComment(row, id)
}

// ListComments returns a session's live comments in creation order.
func (s *Store) ListComments(ctx context.Context, sessionID string) ([]domain.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE session_id = ? AND deleted = 0 ORDER BY created_at ASC, rowid ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		c, err := scanComment(rows, "")
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating comments: %w", err)
	}
	return comments, nil
}

// UpdateCommentBody edits a comment's body.
func (s *Store) UpdateCommentBody(ctx context.Context, id, body string) error {
	return s.execOne(ctx, "comment", id,
		`UPDATE comments SET body = ?, updated_at = ? WHERE comment_id = ? AND deleted = 0`,
		body, time.Now().Unix(), id)
}

// DeleteComment soft-deletes a comment. When the comment adopted a
// suggestion, the suggestion flips back to dismissed in the same
// transaction.
func (s *Store) DeleteComment(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+commentColumns+` FROM comments WHERE comment_id = ?`, id)
		c, err := scanComment(row, id)
		if err != nil {
			return err
		}
		if c.Deleted {
			return nil // already deleted; idempotent
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE comments SET deleted = 1, updated_at = ? WHERE comment_id = ?`,
			time.Now().Unix(), id); err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}

		if c.ParentSuggestionID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE suggestions SET status = ? WHERE suggestion_id = ?`,
				string(domain.SuggestionDismissed), c.ParentSuggestionID); err != nil {
				return fmt.Errorf("dismiss adopted suggestion: %w", err)
			}
		}

		return nil
	})
}

func scanComment(row rowScanner, key string) (domain.Comment, error) {
	var (
		c                    domain.Comment
		lineStart, lineEnd   sql.NullInt64
		side                 string
		createdAt, updatedAt int64
		deleted              int
	)

	err := row.Scan(&c.ID, &c.SessionID, &c.File, &lineStart, &lineEnd, &side,
		&c.Body, &c.Author, &c.ParentSuggestionID, &createdAt, &updatedAt, &deleted)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Comment{}, store.NotFound("comment", key)
		}
		return domain.Comment{}, fmt.Errorf("failed to scan comment: %w", err)
	}

	if lineStart.Valid {
		n := int(lineStart.Int64)
		c.LineStart = &n
	}
	if lineEnd.Valid {
		n := int(lineEnd.Int64)
		c.LineEnd = &n
	}
	c.Side = domain.Side(side)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	c.Deleted = deleted == 1
	return c, nil
}
