package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"gtm-command-center/internal/models"
)

const attemptColumns = `id, queue_item_id, idempotency_key, dry_run, status, result, error, started_at, completed_at`

// GetAttempt looks up the attempt for (queue item, idempotency key).
func (s *Store) GetAttempt(ctx context.Context, itemID, idempotencyKey string) (models.ExecutionAttempt, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM execution_attempts
		WHERE queue_item_id = $1 AND idempotency_key = $2
	`, itemID, idempotencyKey)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExecutionAttempt{}, false, nil
	}
	if err != nil {
		return models.ExecutionAttempt{}, false, fmt.Errorf("get attempt: %w", err)
	}
	return a, true, nil
}

// LatestCompletedAttempt returns the newest finished non-dry-run attempt for
// an item; rollback operates on it.
func (s *Store) LatestCompletedAttempt(ctx context.Context, itemID string) (models.ExecutionAttempt, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM execution_attempts
		WHERE queue_item_id = $1 AND dry_run = FALSE AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1
	`, itemID)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExecutionAttempt{}, false, nil
	}
	if err != nil {
		return models.ExecutionAttempt{}, false, fmt.Errorf("latest attempt: %w", err)
	}
	return a, true, nil
}

// CompleteAttempt finalizes an in-flight attempt with its result or error.
func (s *Store) CompleteAttempt(ctx context.Context, attemptID, status string, result map[string]any, errMsg *string, at time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE execution_attempts SET status = $2, result = $3, error = $4, completed_at = $5
		WHERE id = $1
	`, attemptID, status, resultJSON, errMsg, at)
	return err
}

// ListAttempts returns all attempts for an item, newest first.
func (s *Store) ListAttempts(ctx context.Context, itemID string) ([]models.ExecutionAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM execution_attempts
		WHERE queue_item_id = $1
		ORDER BY started_at DESC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row rowScanner) (models.ExecutionAttempt, error) {
	var a models.ExecutionAttempt
	var resultJSON []byte
	var errText pgtype.Text

	if err := row.Scan(&a.ID, &a.QueueItemID, &a.IdempotencyKey, &a.DryRun, &a.Status,
		&resultJSON, &errText, &a.StartedAt, &a.CompletedAt); err != nil {
		return models.ExecutionAttempt{}, err
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &a.Result); err != nil {
			return models.ExecutionAttempt{}, fmt.Errorf("unmarshal attempt result: %w", err)
		}
	}
	a.Error = textPtr(errText)
	return a, nil
}
