// Package engine executes accepted queue items under the guardrails:
// kill switch, idempotency, row-lock serialization, per-action-type rate
// limit, per-integration circuit breaker, dry-run, bounded retry, rollback.
// All guardrail checks happen before any externally visible side effect.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"gtm-command-center/internal/config"
	"gtm-command-center/internal/guard"
	"gtm-command-center/internal/models"
	"gtm-command-center/internal/store"
	"gtm-command-center/internal/telemetry"
)

// ErrHandlerTimeout marks a handler call that exceeded the hard timeout. The
// downstream's state is unknown, so the failure is treated as retriable.
var ErrHandlerTimeout = errors.New("handler timed out")

// Store is the durable state the engine mutates. *store.Store implements it;
// tests substitute an in-memory fake.
type Store interface {
	GetQueueItem(ctx context.Context, id string) (models.QueueItem, error)
	GetAttempt(ctx context.Context, itemID, idempotencyKey string) (models.ExecutionAttempt, bool, error)
	LatestCompletedAttempt(ctx context.Context, itemID string) (models.ExecutionAttempt, bool, error)
	WithItemLock(ctx context.Context, itemID string, fn func(ctx context.Context, item store.ItemMutator) error) error
	CompleteAttempt(ctx context.Context, attemptID, status string, result map[string]any, errMsg *string, at time.Time) error
	TransitionQueueItem(ctx context.Context, id, from, to string) (models.QueueItem, error)
	AppendAudit(ctx context.Context, entity, entityID, event, detail string) error
}

// Limiter is the per-action-type rate limit check.
type Limiter interface {
	Allow(ctx context.Context, actionType string) (guard.Decision, error)
}

// Breaker is the per-integration circuit breaker.
type Breaker interface {
	Allow(ctx context.Context, integration string) (bool, string, error)
	RecordSuccess(ctx context.Context, integration string) error
	RecordFailure(ctx context.Context, integration string) (string, error)
}

// Switch is the global kill switch.
type Switch interface {
	Engaged(ctx context.Context) bool
}

// Engine turns accepted queue items into guarded handler invocations.
type Engine struct {
	store    Store
	limiter  Limiter
	breaker  Breaker
	kill     Switch
	registry *Registry
	log      *slog.Logger

	handlerTimeout time.Duration
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the engine from config and its injected guardrail handles.
func New(cfg config.Config, st Store, limiter Limiter, breaker Breaker, kill Switch, registry *Registry, log *slog.Logger) *Engine {
	return &Engine{
		store:          st,
		limiter:        limiter,
		breaker:        breaker,
		kill:           kill,
		registry:       registry,
		log:            log,
		handlerTimeout: cfg.HandlerTimeout,
		maxRetries:     cfg.MaxExecuteRetries,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		now:            time.Now,
		sleep:          sleepCtx,
	}
}

// Accept moves a pending item into the operator-approved state.
func (e *Engine) Accept(ctx context.Context, itemID string) (models.QueueItem, error) {
	item, err := e.store.TransitionQueueItem(ctx, itemID, models.StatusPending, models.StatusAccepted)
	if err != nil {
		return models.QueueItem{}, err
	}
	_ = e.store.AppendAudit(ctx, "queue_item", itemID, "accepted", "")
	return item, nil
}

// Dismiss terminally discards a pending item.
func (e *Engine) Dismiss(ctx context.Context, itemID string) (models.QueueItem, error) {
	item, err := e.store.TransitionQueueItem(ctx, itemID, models.StatusPending, models.StatusDismissed)
	if err != nil {
		return models.QueueItem{}, err
	}
	_ = e.store.AppendAudit(ctx, "queue_item", itemID, "dismissed", "")
	return item, nil
}

// errReplay aborts the locking transaction when the idempotency key already
// maps to a finished attempt; the cached attempt is returned unchanged.
var errReplay = errors.New("replay")

// Execute runs the action for an accepted (or failed-with-retry-budget) item
// exactly once per idempotency key. It returns the attempt and whether it was
// served from the idempotency cache.
func (e *Engine) Execute(ctx context.Context, itemID, idempotencyKey string, dryRun bool) (models.ExecutionAttempt, bool, error) {
	if idempotencyKey == "" {
		return models.ExecutionAttempt{}, false, errors.New("idempotency key required")
	}

	if e.kill.Engaged(ctx) {
		e.rejected(ctx, itemID, "kill_switch", "kill switch engaged")
		return models.ExecutionAttempt{}, false, ErrKillSwitchEngaged
	}

	if cached, found, err := e.store.GetAttempt(ctx, itemID, idempotencyKey); err != nil {
		return models.ExecutionAttempt{}, false, err
	} else if found {
		if cached.Status == models.AttemptInFlight {
			e.rejected(ctx, itemID, "concurrency", "idempotency key already in flight")
			return models.ExecutionAttempt{}, false, ErrConcurrentExecution
		}
		telemetry.ExecutionsReplayed.Inc()
		return cached, true, nil
	}

	var (
		attempt models.ExecutionAttempt
		cached  models.ExecutionAttempt
		item    models.QueueItem
		handler Handler
	)
	lockErr := e.store.WithItemLock(ctx, itemID, func(ctx context.Context, li store.ItemMutator) error {
		item = li.Item()

		h, ok := e.registry.Lookup(item.ActionType)
		if !ok {
			return fmt.Errorf("action type %s: %w", item.ActionType, ErrNoHandler)
		}
		handler = h

		switch item.Status {
		case models.StatusAccepted:
		case models.StatusFailed:
			if !dryRun && item.RetryCount >= e.maxRetries {
				return fmt.Errorf("item %s after %d retries: %w", itemID, item.RetryCount, ErrRetryBudgetExhausted)
			}
		default:
			return fmt.Errorf("execute on %s item: %w", item.Status, store.ErrInvalidTransition)
		}

		// The attempt row is inserted inside the locking transaction: a
		// guardrail rejection below rolls it back, leaving zero trace.
		a := models.ExecutionAttempt{
			ID:             uuid.New().String(),
			QueueItemID:    itemID,
			IdempotencyKey: idempotencyKey,
			DryRun:         dryRun,
			Status:         models.AttemptInFlight,
			StartedAt:      e.now().UTC(),
		}
		existing, inserted, err := li.InsertAttempt(ctx, a)
		if err != nil {
			return err
		}
		if !inserted {
			if existing.Status == models.AttemptInFlight {
				return ErrConcurrentExecution
			}
			cached = existing
			return errReplay
		}

		if !dryRun {
			d, err := e.limiter.Allow(ctx, item.ActionType)
			if err != nil {
				return err
			}
			if !d.Allowed {
				return &RateLimitError{ActionType: item.ActionType, Remaining: d.Remaining, RetryAfter: d.RetryAfter}
			}

			allowed, state, err := e.breaker.Allow(ctx, handler.Integration())
			if err != nil {
				return err
			}
			if !allowed {
				return &CircuitOpenError{Integration: handler.Integration(), State: state}
			}

			if item.Status == models.StatusFailed {
				if err := li.BumpRetry(ctx); err != nil {
					return err
				}
			}
			if err := li.Transition(ctx, models.StatusExecuting); err != nil {
				return err
			}
		}
		attempt = a
		return nil
	})
	if lockErr != nil {
		return e.lockOutcome(ctx, itemID, cached, lockErr)
	}

	req := HandlerRequest{
		ItemID:         itemID,
		IdempotencyKey: idempotencyKey,
		DryRun:         dryRun,
		ActionContext:  item.ActionContext,
	}

	if dryRun {
		return e.finishDryRun(ctx, attempt, handler, req)
	}
	return e.finishExecution(ctx, attempt, handler, req)
}

func (e *Engine) lockOutcome(ctx context.Context, itemID string, cached models.ExecutionAttempt, lockErr error) (models.ExecutionAttempt, bool, error) {
	switch {
	case errors.Is(lockErr, errReplay):
		telemetry.ExecutionsReplayed.Inc()
		return cached, true, nil
	case errors.Is(lockErr, ErrConcurrentExecution):
		e.rejected(ctx, itemID, "concurrency", "idempotency key already in flight")
	}
	var rle *RateLimitError
	if errors.As(lockErr, &rle) {
		e.rejected(ctx, itemID, "rate_limit", rle.Error())
	}
	var coe *CircuitOpenError
	if errors.As(lockErr, &coe) {
		e.rejected(ctx, itemID, "circuit_breaker", coe.Error())
	}
	return models.ExecutionAttempt{}, false, lockErr
}

// finishDryRun records the preview attempt without touching item status,
// rate budget, breaker state, or the downstream system.
func (e *Engine) finishDryRun(ctx context.Context, attempt models.ExecutionAttempt, handler Handler, req HandlerRequest) (models.ExecutionAttempt, bool, error) {
	result, err := e.invoke(ctx, handler, req)
	done := e.now().UTC()
	if err != nil {
		msg := err.Error()
		if cerr := e.store.CompleteAttempt(ctx, attempt.ID, models.AttemptFailed, nil, &msg, done); cerr != nil {
			e.log.Error("complete dry-run attempt", "attempt_id", attempt.ID, "error", cerr)
		}
		attempt.Status = models.AttemptFailed
		attempt.Error = &msg
		attempt.CompletedAt = &done
		return attempt, false, err
	}
	if cerr := e.store.CompleteAttempt(ctx, attempt.ID, models.AttemptSucceeded, result, nil, done); cerr != nil {
		e.log.Error("complete dry-run attempt", "attempt_id", attempt.ID, "error", cerr)
	}
	telemetry.ExecutionsDryRun.Inc()
	attempt.Status = models.AttemptSucceeded
	attempt.Result = result
	attempt.CompletedAt = &done
	return attempt, false, nil
}

// finishExecution invokes the handler with retries and settles both the
// attempt row and the item's terminal transition.
func (e *Engine) finishExecution(ctx context.Context, attempt models.ExecutionAttempt, handler Handler, req HandlerRequest) (models.ExecutionAttempt, bool, error) {
	result, err := e.invokeWithRetry(ctx, handler, req)
	done := e.now().UTC()

	if err != nil {
		msg := err.Error()
		if cerr := e.store.CompleteAttempt(ctx, attempt.ID, models.AttemptFailed, nil, &msg, done); cerr != nil {
			e.log.Error("complete attempt", "attempt_id", attempt.ID, "error", cerr)
		}
		if _, terr := e.store.TransitionQueueItem(ctx, attempt.QueueItemID, models.StatusExecuting, models.StatusFailed); terr != nil {
			e.log.Error("transition to failed", "item_id", attempt.QueueItemID, "error", terr)
		}
		_ = e.store.AppendAudit(ctx, "queue_item", attempt.QueueItemID, "execution_failed", msg)
		telemetry.ExecutionsFailed.Inc()
		attempt.Status = models.AttemptFailed
		attempt.Error = &msg
		attempt.CompletedAt = &done
		return attempt, false, err
	}

	if cerr := e.store.CompleteAttempt(ctx, attempt.ID, models.AttemptSucceeded, result, nil, done); cerr != nil {
		e.log.Error("complete attempt", "attempt_id", attempt.ID, "error", cerr)
	}
	if _, terr := e.store.TransitionQueueItem(ctx, attempt.QueueItemID, models.StatusExecuting, models.StatusCompleted); terr != nil {
		e.log.Error("transition to completed", "item_id", attempt.QueueItemID, "error", terr)
	}
	_ = e.store.AppendAudit(ctx, "queue_item", attempt.QueueItemID, "executed", "")
	telemetry.ExecutionsSucceeded.Inc()
	attempt.Status = models.AttemptSucceeded
	attempt.Result = result
	attempt.CompletedAt = &done
	return attempt, false, nil
}

// Rollback reverses a completed or failed item through the handler's rollback
// capability and terminally marks the item rolled back.
func (e *Engine) Rollback(ctx context.Context, itemID string) (models.QueueItem, error) {
	item, err := e.store.GetQueueItem(ctx, itemID)
	if err != nil {
		return models.QueueItem{}, err
	}
	if item.Status != models.StatusCompleted && item.Status != models.StatusFailed {
		return models.QueueItem{}, fmt.Errorf("rollback on %s item: %w", item.Status, store.ErrInvalidTransition)
	}

	attempt, found, err := e.store.LatestCompletedAttempt(ctx, itemID)
	if err != nil {
		return models.QueueItem{}, err
	}
	if !found {
		return models.QueueItem{}, ErrNothingToRollBack
	}

	handler, ok := e.registry.Lookup(item.ActionType)
	if !ok {
		return models.QueueItem{}, fmt.Errorf("action type %s: %w", item.ActionType, ErrNoHandler)
	}
	if err := handler.Rollback(ctx, attempt); err != nil {
		_ = e.store.AppendAudit(ctx, "queue_item", itemID, "rollback_failed", err.Error())
		return models.QueueItem{}, fmt.Errorf("handler rollback: %w", err)
	}

	item, err = e.store.TransitionQueueItem(ctx, itemID, item.Status, models.StatusRolledBack)
	if err != nil {
		return models.QueueItem{}, err
	}
	_ = e.store.AppendAudit(ctx, "queue_item", itemID, "rolled_back", attempt.ID)
	return item, nil
}

// invoke runs one handler call under the hard timeout.
func (e *Engine) invoke(ctx context.Context, handler Handler, req HandlerRequest) (HandlerResult, error) {
	cctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	result, err := handler.Execute(cctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, &HandlerError{Retriable: true, Err: fmt.Errorf("%w after %s", ErrHandlerTimeout, e.handlerTimeout)}
		}
		return nil, err
	}
	return result, nil
}

// invokeWithRetry drives the bounded retry loop for transient failures, with
// circuit breaker bookkeeping on every real call.
func (e *Engine) invokeWithRetry(ctx context.Context, handler Handler, req HandlerRequest) (HandlerResult, error) {
	integration := handler.Integration()
	var lastErr error
	for try := 0; try <= e.maxRetries; try++ {
		if try > 0 {
			wait := backoffWithJitter(e.backoffInitial, e.backoffMax, try)
			if err := e.sleep(ctx, wait); err != nil {
				return nil, lastErr
			}
			allowed, state, err := e.breaker.Allow(ctx, integration)
			if err != nil {
				return nil, err
			}
			if !allowed {
				return nil, &CircuitOpenError{Integration: integration, State: state}
			}
		}

		result, err := e.invoke(ctx, handler, req)
		if err == nil {
			_ = e.breaker.RecordSuccess(ctx, integration)
			return result, nil
		}
		if _, berr := e.breaker.RecordFailure(ctx, integration); berr != nil {
			e.log.Warn("record breaker failure", "integration", integration, "error", berr)
		}
		lastErr = err
		if !Retriable(err) {
			return nil, err
		}
		e.log.Warn("handler call failed, retrying", "item_id", req.ItemID, "try", try+1, "error", err)
	}
	return nil, lastErr
}

func (e *Engine) rejected(ctx context.Context, itemID, guardrail, detail string) {
	telemetry.GuardRejections.WithLabelValues(guardrail).Inc()
	_ = e.store.AppendAudit(ctx, "queue_item", itemID, "guard_rejected", guardrail+": "+detail)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
