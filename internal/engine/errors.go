package engine

import (
	"errors"
	"fmt"
	"time"
)

// Guardrail and concurrency rejections. None of these mutate queue item state.
var (
	ErrKillSwitchEngaged   = errors.New("kill switch engaged")
	ErrConcurrentExecution = errors.New("another execution is in flight for this idempotency key")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrNoHandler           = errors.New("no handler registered for action type")
	ErrNothingToRollBack   = errors.New("no completed attempt to roll back")
)

// RateLimitError rejects an execute call whose action type is over budget for
// the current window. The item stays accepted and may be retried next window.
type RateLimitError struct {
	ActionType string
	Remaining  int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.ActionType, e.RetryAfter.Round(time.Second))
}

// CircuitOpenError rejects an execute call because the handler's downstream
// integration is failing and the breaker is not accepting calls.
type CircuitOpenError struct {
	Integration string
	State       string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s for integration %s", e.State, e.Integration)
}

// HandlerError classifies a downstream failure. Retriable errors (network,
// 5xx, timeout) are retried with backoff; the rest fail the item immediately.
type HandlerError struct {
	Retriable bool
	Err       error
}

func (e *HandlerError) Error() string { return e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

// Retriable reports whether err may succeed on a later attempt. Timeouts are
// retriable: the downstream's state is unknown, and handlers de-duplicate on
// the idempotency key where the downstream supports it.
func Retriable(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Retriable
	}
	return false
}
