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

// InsertOutcome appends an outcome event. Outcome events are never updated.
func (s *Store) InsertOutcome(ctx context.Context, o models.OutcomeEvent) error {
	metadataJSON, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO outcome_events (id, recommendation_id, outcome_type, detected_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, o.ID, o.RecommendationID, o.OutcomeType, o.DetectedAt, metadataJSON)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// RecommendationExists reports whether a recommendation row exists.
func (s *Store) RecommendationExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM recommendations WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check recommendation: %w", err)
	}
	return true, nil
}

// ComputeActionStats derives the raw positive/executed counts per action type
// over the trailing window. Clamping happens in the feedback service.
func (s *Store) ComputeActionStats(ctx context.Context, since time.Time) ([]models.ActionStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT qi.action_type,
		       COUNT(DISTINCT qi.id) AS executed,
		       COUNT(DISTINCT oe.recommendation_id) FILTER (
		           WHERE oe.outcome_type IN ('reply', 'meeting_booked', 'advanced')
		       ) AS positive
		FROM queue_items qi
		LEFT JOIN outcome_events oe
		       ON oe.recommendation_id = qi.recommendation_id AND oe.detected_at >= $1
		WHERE qi.status = 'completed' AND qi.updated_at >= $1
		GROUP BY qi.action_type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("compute action stats: %w", err)
	}
	defer rows.Close()

	var out []models.ActionStats
	for rows.Next() {
		var actionType string
		var executed, positive int
		if err := rows.Scan(&actionType, &executed, &positive); err != nil {
			return nil, fmt.Errorf("scan action stats: %w", err)
		}
		if executed == 0 {
			continue
		}
		out = append(out, models.ActionStats{
			ActionType:  actionType,
			SuccessRate: float64(positive) / float64(executed),
			SampleSize:  executed,
			WindowStart: since,
		})
	}
	return out, rows.Err()
}

// UpsertActionStats stores the recomputed rate for an action type.
func (s *Store) UpsertActionStats(ctx context.Context, stats models.ActionStats) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_stats (action_type, success_rate, sample_size, window_start, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (action_type) DO UPDATE
		SET success_rate = EXCLUDED.success_rate,
		    sample_size = EXCLUDED.sample_size,
		    window_start = EXCLUDED.window_start,
		    computed_at = EXCLUDED.computed_at
	`, stats.ActionType, stats.SuccessRate, stats.SampleSize, stats.WindowStart, stats.ComputedAt)
	return err
}

// SuccessRate returns the stored rate for an action type, if recomputed yet.
func (s *Store) SuccessRate(ctx context.Context, actionType string) (float64, bool, error) {
	var rate float64
	err := s.pool.QueryRow(ctx, `SELECT success_rate FROM action_stats WHERE action_type = $1`, actionType).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get success rate: %w", err)
	}
	return rate, true, nil
}
