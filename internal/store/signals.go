package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"gtm-command-center/internal/models"
)

const signalColumns = `id, source, event_type, payload, dedup_key, processed_at, recommendation_id,
	process_attempts, next_attempt_at, last_error, archived_at, created_at`

// InsertSignal appends a signal. The partial unique index on
// (source, dedup_key) for unprocessed rows enforces the dedup invariant: a
// duplicate of a still-unprocessed signal is dropped and the existing row
// returned with duplicate=true.
func (s *Store) InsertSignal(ctx context.Context, source, eventType string, payload map[string]any, dedupKey string) (models.Signal, bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Signal{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO signals (id, source, event_type, payload, dedup_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source, dedup_key) WHERE processed_at IS NULL DO NOTHING
	`, id, source, eventType, payloadJSON, dedupKey)
	if err != nil {
		return models.Signal{}, false, fmt.Errorf("insert signal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.findUnprocessedDup(ctx, source, dedupKey)
		if err != nil {
			return models.Signal{}, false, err
		}
		return existing, true, nil
	}
	sig, _, err := s.GetSignal(ctx, id)
	return sig, false, err
}

func (s *Store) findUnprocessedDup(ctx context.Context, source, dedupKey string) (models.Signal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE source = $1 AND dedup_key = $2 AND processed_at IS NULL
	`, source, dedupKey)
	sig, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Signal{}, errors.New("dedup conflict but no existing signal found")
	}
	return sig, err
}

// GetSignal fetches a signal by id.
func (s *Store) GetSignal(ctx context.Context, id string) (models.Signal, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	sig, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Signal{}, false, nil
	}
	if err != nil {
		return models.Signal{}, false, err
	}
	return sig, true, nil
}

// SignalFilter narrows ListSignals.
type SignalFilter struct {
	Source    string
	Processed *bool
	Limit     int
	Offset    int
}

// ListSignals returns signals for the observability surface, newest first.
func (s *Store) ListSignals(ctx context.Context, f SignalFilter) ([]models.Signal, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	q := `SELECT ` + signalColumns + ` FROM signals WHERE 1=1`
	args := []any{}
	if f.Source != "" {
		args = append(args, f.Source)
		q += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if f.Processed != nil {
		if *f.Processed {
			q += " AND processed_at IS NOT NULL"
		} else {
			q += " AND processed_at IS NULL"
		}
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// ListDueUnprocessed returns unprocessed signals eligible for a processing
// pass, oldest first, capped at limit.
func (s *Store) ListDueUnprocessed(ctx context.Context, now time.Time, limit int) ([]models.Signal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE processed_at IS NULL AND next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due signals: %w", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// MarkSignalSkipped marks a malformed signal processed with no recommendation.
// Malformed input will not self-heal, so it is never retried.
func (s *Store) MarkSignalSkipped(ctx context.Context, id string, at time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signals SET processed_at = $2, last_error = $3 WHERE id = $1
	`, id, at, reason)
	return err
}

// RescheduleSignal bumps the attempt counter and defers the next pass after a
// transient processing failure.
func (s *Store) RescheduleSignal(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signals SET process_attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1
	`, id, attempts, next, lastErr)
	return err
}

// DeadLetterSignal marks a signal processed after its attempt budget is spent,
// keeping the last error for operator inspection.
func (s *Store) DeadLetterSignal(ctx context.Context, id string, at time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signals SET processed_at = $2, process_attempts = process_attempts + 1, last_error = $3
		WHERE id = $1
	`, id, at, lastErr)
	return err
}

// ListArchivable returns processed, unarchived signals older than cutoff.
func (s *Store) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]models.Signal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE processed_at IS NOT NULL AND archived_at IS NULL AND processed_at <= $1
		ORDER BY processed_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list archivable signals: %w", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// MarkArchived stamps signals as exported. Rows are never deleted.
func (s *Store) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE signals SET archived_at = $2 WHERE id = ANY($1)`, ids, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (models.Signal, error) {
	var sig models.Signal
	var payloadJSON []byte
	var recID, lastErr pgtype.Text

	err := row.Scan(&sig.ID, &sig.Source, &sig.EventType, &payloadJSON, &sig.DedupKey,
		&sig.ProcessedAt, &recID, &sig.ProcessAttempts, &sig.NextAttemptAt,
		&lastErr, &sig.ArchivedAt, &sig.CreatedAt)
	if err != nil {
		return models.Signal{}, err
	}
	if err := json.Unmarshal(payloadJSON, &sig.Payload); err != nil {
		return models.Signal{}, fmt.Errorf("unmarshal signal payload: %w", err)
	}
	sig.RecommendationID = textPtr(recID)
	sig.LastError = textPtr(lastErr)
	return sig, nil
}

func collectSignals(rows pgx.Rows) ([]models.Signal, error) {
	var out []models.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
