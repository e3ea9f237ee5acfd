// Package store is the durable source of truth: signals, recommendations,
// queue items, execution attempts, outcome events, and the audit trail.
// Queue item state only changes through the conditional transition helpers so
// the state machine and audit trail cannot be bypassed.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a queue item transition is illegal
// for the item's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AppendAudit adds a durable audit row. Transitions and guardrail rejections
// are always audited; failures to audit are the caller's call to ignore.
func (s *Store) AppendAudit(ctx context.Context, entity, entityID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (entity, entity_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, entity, entityID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
