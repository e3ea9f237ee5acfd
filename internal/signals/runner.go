package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"gtm-command-center/internal/config"
	"gtm-command-center/internal/models"
	"gtm-command-center/internal/scoring"
	"gtm-command-center/internal/telemetry"
)

// Store is the persistence the runner needs. *store.Store implements it.
type Store interface {
	ListDueUnprocessed(ctx context.Context, now time.Time, limit int) ([]models.Signal, error)
	RecordRecommendation(ctx context.Context, rec models.Recommendation, item models.QueueItem, processedAt time.Time) error
	MarkSignalSkipped(ctx context.Context, id string, at time.Time, reason string) error
	RescheduleSignal(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	DeadLetterSignal(ctx context.Context, id string, at time.Time, lastErr string) error
	SuccessRate(ctx context.Context, actionType string) (float64, bool, error)
}

// Runner drives batched signal processing. Transient failures reschedule the
// signal with exponential backoff until the attempt budget is spent, then
// dead-letter it for operator attention.
type Runner struct {
	store       Store
	procs       map[string]Processor
	batchSize   int
	maxAttempts int
	backoff     time.Duration
	backoffMax  time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// NewRunner builds a runner over the given processors, keyed by source.
func NewRunner(cfg config.Config, st Store, procs []Processor, log *slog.Logger) *Runner {
	bySource := make(map[string]Processor, len(procs))
	for _, p := range procs {
		bySource[p.Source()] = p
	}
	return &Runner{
		store:       st,
		procs:       bySource,
		batchSize:   cfg.SignalBatchSize,
		maxAttempts: cfg.SignalMaxAttempts,
		backoff:     cfg.BackoffInitial,
		backoffMax:  cfg.BackoffMax,
		log:         log,
		now:         time.Now,
	}
}

// ProcessBatch handles up to the configured batch of due unprocessed signals
// and returns how many produced a recommendation. Signals beyond the cap wait
// for the next pass.
func (r *Runner) ProcessBatch(ctx context.Context) (int, error) {
	now := r.now().UTC()
	batch, err := r.store.ListDueUnprocessed(ctx, now, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed signals: %w", err)
	}

	processed := 0
	for _, sig := range batch {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := r.processOne(ctx, sig); err != nil {
			r.log.Error("process signal", "signal_id", sig.ID, "source", sig.Source, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (r *Runner) processOne(ctx context.Context, sig models.Signal) error {
	now := r.now().UTC()

	proc, ok := r.procs[sig.Source]
	if !ok {
		telemetry.SignalsMalformed.Inc()
		return r.store.MarkSignalSkipped(ctx, sig.ID, now, "no processor for source "+sig.Source)
	}

	draft, err := proc.Process(sig)
	if errors.Is(err, ErrMalformedSignal) {
		telemetry.SignalsMalformed.Inc()
		return r.store.MarkSignalSkipped(ctx, sig.ID, now, err.Error())
	}
	if err != nil {
		return r.retryLater(ctx, sig, err)
	}

	inputs := draft.Inputs
	inputs.SuccessRate = scoring.DefaultSuccessRate
	if rate, found, err := r.store.SuccessRate(ctx, draft.ActionType); err != nil {
		return r.retryLater(ctx, sig, err)
	} else if found {
		inputs.SuccessRate = rate
	}
	scored := scoring.Score(inputs)

	rec := models.Recommendation{
		ID:        uuid.New().String(),
		SignalID:  sig.ID,
		Score:     scored.Score,
		Rationale: scored.Rationale,
		Breakdown: scored.Breakdown,
		CreatedAt: now,
	}
	dueBy := now.Add(time.Duration(inputs.UrgencyDays * 24 * float64(time.Hour)))
	item := models.QueueItem{
		ID:               uuid.New().String(),
		RecommendationID: rec.ID,
		Domain:           draft.Domain,
		ActionType:       draft.ActionType,
		ActionContext:    draft.ActionContext,
		Status:           models.StatusPending,
		Owner:            draft.Owner,
		DueBy:            &dueBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.RecordRecommendation(ctx, rec, item, now); err != nil {
		return r.retryLater(ctx, sig, err)
	}

	telemetry.SignalsProcessed.Inc()
	telemetry.RecommendationsCreated.Inc()
	r.log.Info("signal processed",
		"signal_id", sig.ID, "source", sig.Source,
		"recommendation_id", rec.ID, "action_type", item.ActionType,
		"score", fmt.Sprintf("%.1f", rec.Score))
	return nil
}

// retryLater reschedules a transiently failed signal, or dead-letters it once
// the attempt budget is spent.
func (r *Runner) retryLater(ctx context.Context, sig models.Signal, cause error) error {
	now := r.now().UTC()
	attempts := sig.ProcessAttempts + 1
	if attempts >= r.maxAttempts {
		telemetry.SignalsDeadLettered.Inc()
		if err := r.store.DeadLetterSignal(ctx, sig.ID, now, cause.Error()); err != nil {
			return err
		}
		return fmt.Errorf("dead-lettered after %d attempts: %w", attempts, cause)
	}
	next := now.Add(r.retryDelay(attempts))
	if err := r.store.RescheduleSignal(ctx, sig.ID, attempts, next, cause.Error()); err != nil {
		return err
	}
	return fmt.Errorf("rescheduled (attempt %d): %w", attempts, cause)
}

func (r *Runner) retryDelay(attempts int) time.Duration {
	d := time.Duration(float64(r.backoff) * math.Pow(2, float64(attempts-1)))
	if d > r.backoffMax {
		d = r.backoffMax
	}
	return d
}
