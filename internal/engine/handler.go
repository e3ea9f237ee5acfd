package engine

import (
	"context"

	"gtm-command-center/internal/models"
)

// HandlerRequest carries everything an action handler needs for one call.
// Handlers must forward the idempotency key to their downstream API whenever
// it supports one, since a timed-out call may or may not have landed.
type HandlerRequest struct {
	ItemID         string
	IdempotencyKey string
	DryRun         bool
	ActionContext  map[string]any
}

// HandlerResult is the opaque result persisted on the execution attempt. For
// dry runs it is a preview of the intended side effects.
type HandlerResult map[string]any

// Handler performs one action type against a downstream integration.
type Handler interface {
	// ActionType names the queue item action this handler serves.
	ActionType() string

	// Integration names the downstream dependency for circuit breaker keying.
	Integration() string

	// Execute performs the action, or previews it without side effects when
	// req.DryRun is set.
	Execute(ctx context.Context, req HandlerRequest) (HandlerResult, error)

	// Rollback reverses a completed attempt where the downstream allows it.
	Rollback(ctx context.Context, attempt models.ExecutionAttempt) error
}

// Registry is the static action type -> handler lookup built at startup.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to its action type.
func (r *Registry) Register(h Handler) {
	if h == nil || h.ActionType() == "" {
		return
	}
	r.handlers[h.ActionType()] = h
}

// Lookup returns the handler for an action type.
func (r *Registry) Lookup(actionType string) (Handler, bool) {
	h, ok := r.handlers[actionType]
	return h, ok
}
