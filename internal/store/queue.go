package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gtm-command-center/internal/models"
)

// RecordRecommendation persists a recommendation, its derived queue item, and
// the processed stamp on the source signal in one transaction, so a processed
// signal has exactly one recommendation or none.
func (s *Store) RecordRecommendation(ctx context.Context, rec models.Recommendation, item models.QueueItem, processedAt time.Time) error {
	breakdownJSON, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}
	contextJSON, err := json.Marshal(item.ActionContext)
	if err != nil {
		return fmt.Errorf("marshal action context: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO recommendations (id, signal_id, score, rationale, feature_breakdown, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.SignalID, rec.Score, rec.Rationale, breakdownJSON, processedAt); err != nil {
		return fmt.Errorf("insert recommendation: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_items (id, recommendation_id, domain, action_type, action_context, status, owner, due_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, item.ID, rec.ID, item.Domain, item.ActionType, contextJSON, models.StatusPending, item.Owner, item.DueBy, processedAt); err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE signals SET processed_at = $2, recommendation_id = $3, last_error = NULL WHERE id = $1
	`, rec.SignalID, processedAt, rec.ID); err != nil {
		return fmt.Errorf("mark signal processed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const queueColumns = `id, recommendation_id, domain, action_type, action_context, status, owner, due_by, retry_count, created_at, updated_at`

// GetQueueItem fetches a queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return item, err
}

// GetRankedItem fetches a queue item joined with its recommendation.
func (s *Store) GetRankedItem(ctx context.Context, id string) (models.RankedItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT qi.id, qi.recommendation_id, qi.domain, qi.action_type, qi.action_context, qi.status,
		       qi.owner, qi.due_by, qi.retry_count, qi.created_at, qi.updated_at, r.score, r.rationale
		FROM queue_items qi
		JOIN recommendations r ON r.id = qi.recommendation_id
		WHERE qi.id = $1
	`, id)
	item, err := scanRankedItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RankedItem{}, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return item, err
}

// TodayFilter narrows the ranked pending query.
type TodayFilter struct {
	Domain    string
	DueBefore *time.Time
	Limit     int
}

// ListRanked returns the top pending items ordered by score descending, ties
// broken oldest-first so slow movers are not starved.
func (s *Store) ListRanked(ctx context.Context, f TodayFilter) ([]models.RankedItem, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 20
	}
	q := `
		SELECT qi.id, qi.recommendation_id, qi.domain, qi.action_type, qi.action_context, qi.status,
		       qi.owner, qi.due_by, qi.retry_count, qi.created_at, qi.updated_at, r.score, r.rationale
		FROM queue_items qi
		JOIN recommendations r ON r.id = qi.recommendation_id
		WHERE qi.status = 'pending'`
	args := []any{}
	if f.Domain != "" {
		args = append(args, f.Domain)
		q += fmt.Sprintf(" AND qi.domain = $%d", len(args))
	}
	if f.DueBefore != nil {
		args = append(args, *f.DueBefore)
		q += fmt.Sprintf(" AND qi.due_by IS NOT NULL AND qi.due_by <= $%d", len(args))
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(" ORDER BY r.score DESC, qi.created_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list ranked: %w", err)
	}
	defer rows.Close()

	var out []models.RankedItem
	for rows.Next() {
		item, err := scanRankedItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ranked item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// PendingDepth counts pending queue items for the depth gauge.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// TransitionQueueItem conditionally moves an item from -> to. A zero-row
// update means the caller raced or requested an illegal transition; the
// distinction is surfaced as ErrInvalidTransition with both statuses.
func (s *Store) TransitionQueueItem(ctx context.Context, id, from, to string) (models.QueueItem, error) {
	if !models.CanTransition(from, to) {
		return models.QueueItem{}, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_items SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+queueColumns+`
	`, id, from, to)
	item, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetQueueItem(ctx, id)
		if getErr != nil {
			return models.QueueItem{}, getErr
		}
		return models.QueueItem{}, fmt.Errorf("%s -> %s: %w", current.Status, to, ErrInvalidTransition)
	}
	return item, err
}

// ItemMutator is the view of a queue item held under a row lock. The engine
// depends on this interface so tests can substitute an in-memory item.
type ItemMutator interface {
	Item() models.QueueItem
	Transition(ctx context.Context, to string) error
	BumpRetry(ctx context.Context) error
	InsertAttempt(ctx context.Context, a models.ExecutionAttempt) (models.ExecutionAttempt, bool, error)
}

// LockedItem is the Postgres-backed ItemMutator inside WithItemLock. All
// mutations run in the locking transaction.
type LockedItem struct {
	tx   pgx.Tx
	item models.QueueItem
}

// Item returns the row as read under the lock.
func (l *LockedItem) Item() models.QueueItem { return l.item }

// Transition moves the locked item to the given status.
func (l *LockedItem) Transition(ctx context.Context, to string) error {
	if !models.CanTransition(l.item.Status, to) {
		return fmt.Errorf("%s -> %s: %w", l.item.Status, to, ErrInvalidTransition)
	}
	if _, err := l.tx.Exec(ctx, `
		UPDATE queue_items SET status = $2, updated_at = NOW() WHERE id = $1
	`, l.item.ID, to); err != nil {
		return fmt.Errorf("transition locked item: %w", err)
	}
	l.item.Status = to
	return nil
}

// BumpRetry increments the bounded retry counter.
func (l *LockedItem) BumpRetry(ctx context.Context) error {
	if _, err := l.tx.Exec(ctx, `
		UPDATE queue_items SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1
	`, l.item.ID); err != nil {
		return fmt.Errorf("bump retry: %w", err)
	}
	l.item.RetryCount++
	return nil
}

// InsertAttempt inserts an execution attempt under the lock. When the
// (queue_item_id, idempotency_key) pair already exists the stored attempt is
// returned with inserted=false; the engine decides between replay and conflict.
func (l *LockedItem) InsertAttempt(ctx context.Context, a models.ExecutionAttempt) (models.ExecutionAttempt, bool, error) {
	resultJSON, err := json.Marshal(a.Result)
	if err != nil {
		return models.ExecutionAttempt{}, false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := l.tx.Exec(ctx, `
		INSERT INTO execution_attempts (id, queue_item_id, idempotency_key, dry_run, status, result, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (queue_item_id, idempotency_key) DO NOTHING
	`, a.ID, a.QueueItemID, a.IdempotencyKey, a.DryRun, a.Status, resultJSON, a.Error, a.StartedAt)
	if err != nil {
		return models.ExecutionAttempt{}, false, fmt.Errorf("insert attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := l.tx.QueryRow(ctx, `
			SELECT `+attemptColumns+` FROM execution_attempts
			WHERE queue_item_id = $1 AND idempotency_key = $2
		`, a.QueueItemID, a.IdempotencyKey)
		existing, err := scanAttempt(row)
		if err != nil {
			return models.ExecutionAttempt{}, false, fmt.Errorf("fetch conflicting attempt: %w", err)
		}
		return existing, false, nil
	}
	return a, true, nil
}

// WithItemLock runs fn while holding a row lock on the queue item, so
// concurrent execute calls on the same item serialize here. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) WithItemLock(ctx context.Context, itemID string, fn func(ctx context.Context, item ItemMutator) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1 FOR UPDATE`, itemID)
	item, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("queue item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock queue item: %w", err)
	}

	if err := fn(ctx, &LockedItem{tx: tx, item: item}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanQueueItem(row rowScanner) (models.QueueItem, error) {
	var item models.QueueItem
	var contextJSON []byte
	if err := row.Scan(&item.ID, &item.RecommendationID, &item.Domain, &item.ActionType, &contextJSON,
		&item.Status, &item.Owner, &item.DueBy, &item.RetryCount, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return models.QueueItem{}, err
	}
	if err := json.Unmarshal(contextJSON, &item.ActionContext); err != nil {
		return models.QueueItem{}, fmt.Errorf("unmarshal action context: %w", err)
	}
	return item, nil
}

func scanRankedItem(row rowScanner) (models.RankedItem, error) {
	var item models.RankedItem
	var contextJSON []byte
	if err := row.Scan(&item.ID, &item.RecommendationID, &item.Domain, &item.ActionType, &contextJSON,
		&item.Status, &item.Owner, &item.DueBy, &item.RetryCount, &item.CreatedAt, &item.UpdatedAt,
		&item.Score, &item.Rationale); err != nil {
		return models.RankedItem{}, err
	}
	if err := json.Unmarshal(contextJSON, &item.ActionContext); err != nil {
		return models.RankedItem{}, fmt.Errorf("unmarshal action context: %w", err)
	}
	return item, nil
}
