// Package feedback records downstream outcomes and recomputes the rolling
// per-action-type success rates that bias the next scoring pass. Past
// recommendations are never rescored.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gtm-command-center/internal/config"
	"gtm-command-center/internal/models"
	"gtm-command-center/internal/telemetry"
)

var (
	ErrUnknownRecommendation = errors.New("recommendation does not exist")
	ErrInvalidOutcome        = errors.New("unknown outcome type")
)

// Success rates are clamped so small samples can't amplify or bury an action
// type outright.
const (
	rateFloor   = 0.05
	rateCeiling = 0.95
)

// Store is the persistence the feedback loop needs. *store.Store implements it.
type Store interface {
	RecommendationExists(ctx context.Context, id string) (bool, error)
	InsertOutcome(ctx context.Context, o models.OutcomeEvent) error
	ComputeActionStats(ctx context.Context, since time.Time) ([]models.ActionStats, error)
	UpsertActionStats(ctx context.Context, stats models.ActionStats) error
}

// Service records outcome events and runs the periodic stats recompute.
type Service struct {
	store  Store
	window time.Duration
	log    *slog.Logger
	now    func() time.Time
}

func New(cfg config.Config, st Store, log *slog.Logger) *Service {
	return &Service{
		store:  st,
		window: cfg.OutcomeWindow,
		log:    log,
		now:    time.Now,
	}
}

// Record appends an outcome event for a recommendation.
func (s *Service) Record(ctx context.Context, recommendationID, outcomeType string, metadata map[string]any) (models.OutcomeEvent, error) {
	if !models.ValidOutcome(outcomeType) {
		return models.OutcomeEvent{}, fmt.Errorf("%q: %w", outcomeType, ErrInvalidOutcome)
	}
	exists, err := s.store.RecommendationExists(ctx, recommendationID)
	if err != nil {
		return models.OutcomeEvent{}, err
	}
	if !exists {
		return models.OutcomeEvent{}, fmt.Errorf("%s: %w", recommendationID, ErrUnknownRecommendation)
	}

	event := models.OutcomeEvent{
		ID:               uuid.New().String(),
		RecommendationID: recommendationID,
		OutcomeType:      outcomeType,
		DetectedAt:       s.now().UTC(),
		Metadata:         metadata,
	}
	if err := s.store.InsertOutcome(ctx, event); err != nil {
		return models.OutcomeEvent{}, err
	}
	telemetry.OutcomesRecorded.Inc()
	return event, nil
}

// Recompute derives success rates per action type over the trailing window
// and stores them for the next scoring pass. Returns the number of action
// types updated.
func (s *Service) Recompute(ctx context.Context) (int, error) {
	now := s.now().UTC()
	since := now.Add(-s.window)

	stats, err := s.store.ComputeActionStats(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("recompute action stats: %w", err)
	}
	for i := range stats {
		stats[i].SuccessRate = clampRate(stats[i].SuccessRate)
		stats[i].ComputedAt = now
		if err := s.store.UpsertActionStats(ctx, stats[i]); err != nil {
			return i, fmt.Errorf("store stats for %s: %w", stats[i].ActionType, err)
		}
		s.log.Info("success rate recomputed",
			"action_type", stats[i].ActionType,
			"success_rate", fmt.Sprintf("%.2f", stats[i].SuccessRate),
			"sample_size", stats[i].SampleSize)
	}
	return len(stats), nil
}

func clampRate(rate float64) float64 {
	if rate < rateFloor {
		return rateFloor
	}
	if rate > rateCeiling {
		return rateCeiling
	}
	return rate
}
