package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/store"
)

// CreateRun records a new analysis run.
func (s *Store) CreateRun(ctx context.Context, run domain.AnalysisRun) error {
	council, err := json.Marshal(run.Council)
	if err != nil {
		return fmt.Errorf("encode council: %w", err)
	}
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, session_id, council, state, failure_reason, warnings, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.SessionID, string(council), string(run.State), run.FailureReason,
			string(warnings), run.StartedAt.Unix(), finishedUnix(run.FinishedAt),
		)
		return mapConstraintErr(err, "run", run.ID)
	})
}

// UpdateRun stores the run's terminal state, warnings, and timestamps.
func (s *Store) UpdateRun(ctx context.Context, run domain.AnalysisRun) error {
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	return s.execOne(ctx, "run", run.ID, `
		UPDATE runs SET state = ?, failure_reason = ?, warnings = ?, finished_at = ?
		WHERE run_id = ?`,
		string(run.State), run.FailureReason, string(warnings), finishedUnix(run.FinishedAt), run.ID)
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (domain.AnalysisRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, council, state, failure_reason, warnings, started_at, finished_at
		FROM runs WHERE run_id = ?`, id)
	return scanRun(row, id)
}

// ListRuns returns a session's runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]domain.AnalysisRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, session_id, council, state, failure_reason, warnings, started_at, finished_at
		FROM runs WHERE session_id = ? ORDER BY started_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner, key string) (domain.AnalysisRun, error) {
	var run domain.AnalysisRun
	var council, state, warnings string
	var startedAt, finishedAt int64

	err := row.Scan(&run.ID, &run.SessionID, &council, &state, &run.FailureReason,
		&warnings, &startedAt, &finishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.AnalysisRun{}, store.NotFound("run", key)
		}
		return domain.AnalysisRun{}, fmt.Errorf("failed to scan run: %w", err)
	}

	if err := json.Unmarshal([]byte(council), &run.Council); err != nil {
		return domain.AnalysisRun{}, fmt.Errorf("decode council: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &run.Warnings); err != nil {
		return domain.AnalysisRun{}, fmt.Errorf("decode warnings: %w", err)
	}
	run.State = domain.RunState(state)
	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt > 0 {
		run.FinishedAt = time.Unix(finishedAt, 0)
	}
	return run, nil
}

func finishedUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

const suggestionColumns = `suggestion_id, session_id, run_id, file, line_start, line_end, side, type,
	title, description, suggestion_text, confidence, reasoning, status, is_file_level,
	parent_suggestion_id, voice, created_at`

// ReplaceFinalForRun atomically replaces the run's stored suggestions
// with the final curated list. Intermediate per-level output never
// reaches the table, so the delete normally clears nothing; after a
// re-run it discards the previous final set.
func (s *Store) ReplaceFinalForRun(ctx context.Context, runID string, suggestions []domain.Suggestion) error {
	for _, sg := range suggestions {
		if err := sg.Validate(); err != nil {
			return store.Conflict("suggestion", sg.ID, err)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM suggestions WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("clear run suggestions: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO suggestions (`+suggestionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, sg := range suggestions {
			reasoning, err := json.Marshal(sg.Reasoning)
			if err != nil {
				return fmt.Errorf("encode reasoning: %w", err)
			}
			fileLevel := 0
			if sg.IsFileLevel {
				fileLevel = 1
			}
			status := sg.Status
			if status == "" {
				status = domain.SuggestionActive
			}
			if _, err := stmt.ExecContext(ctx,
				sg.ID, sg.SessionID, runID, sg.File,
				nullableInt(sg.LineStart), nullableInt(sg.LineEnd),
				string(sg.Side), string(sg.Type), sg.Title, sg.Description,
				sg.SuggestionText, sg.Confidence, string(reasoning), string(status),
				fileLevel, sg.ParentSuggestionID, sg.Voice, sg.CreatedAt.Unix(),
			); err != nil {
				return mapConstraintErr(err, "suggestion", sg.ID)
			}
		}

		return nil
	})
}

// ListSuggestions returns a session's suggestions filtered by status
// and run, in insertion order.
func (s *Store) ListSuggestions(ctx context.Context, sessionID string, filter store.SuggestionFilter) ([]domain.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE session_id = ?`
	args := []any{sessionID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []domain.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows, "")
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suggestions: %w", err)
	}
	return suggestions, nil
}

// GetSuggestion retrieves a suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (domain.Suggestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE suggestion_id = ?`, id)
	return scanSuggestion(row, id)
}

// UpdateSuggestionStatus flips a suggestion's status.
func (s *Store) UpdateSuggestionStatus(ctx context.Context, id string, status domain.SuggestionStatus) error {
	return s.execOne(ctx, "suggestion", id,
		`UPDATE suggestions SET status = ? WHERE suggestion_id = ?`, string(status), id)
}

// AdoptSuggestion marks the suggestion adopted and inserts its linked
// comment in one transaction.
func (s *Store) AdoptSuggestion(ctx context.Context, suggestionID string, comment domain.Comment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggestions SET status = ? WHERE suggestion_id = ?`,
			string(domain.SuggestionAdopted), suggestionID)
		if err != nil {
			return fmt.Errorf("adopt suggestion: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.NotFound("suggestion", suggestionID)
		}

		comment.ParentSuggestionID = suggestionID
		return insertComment(ctx, tx, comment)
	})
}

func scanSuggestion(row rowScanner, key string) (domain.Suggestion, error) {
	var (
		sg                 domain.Suggestion
		lineStart, lineEnd sql.NullInt64
		side, typ, status  string
		reasoning          string
		fileLevel          int
		createdAt          int64
	)

	err := row.Scan(&sg.ID, &sg.SessionID, new(string), &sg.File, &lineStart, &lineEnd,
		&side, &typ, &sg.Title, &sg.Description, &sg.SuggestionText, &sg.Confidence,
		&reasoning, &status, &fileLevel, &sg.ParentSuggestionID, &sg.Voice, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Suggestion{}, store.NotFound("suggestion", key)
		}
		return domain.Suggestion{}, fmt.Errorf("failed to scan suggestion: %w", err)
	}

	if lineStart.Valid {
		n := int(lineStart.Int64)
		sg.LineStart = &n
	}
	if lineEnd.Valid {
		n := int(lineEnd.Int64)
		sg.LineEnd = &n
	}
	sg.Side = domain.Side(side)
	sg.Type = domain.SuggestionType(typ)
	sg.Status = domain.SuggestionStatus(status)
	sg.IsFileLevel = fileLevel == 1
	sg.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(reasoning), &sg.Reasoning); err != nil {
		return domain.Suggestion{}, fmt.Errorf("decode reasoning: %w", err)
	}
	return sg, nil
}

func nullableInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
