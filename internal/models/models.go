package models

import (
	"time"
)

// Signal sources recognized by the processor registry.
const (
	SourceForm         = "form"
	SourceCRMChange    = "crm_change"
	SourceMailboxReply = "mailbox_reply"
	SourceManual       = "manual"
)

// QueueItem lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusAccepted   = "accepted"
	StatusDismissed  = "dismissed"
	StatusExecuting  = "executing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

// ExecutionAttempt states.
const (
	AttemptInFlight  = "in_flight"
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// Outcome types observed downstream of an executed action.
const (
	OutcomeReply         = "reply"
	OutcomeMeetingBooked = "meeting_booked"
	OutcomeAdvanced      = "advanced"
	OutcomeNoResponse    = "no_response"
)

// Signal is an append-only record of a detected external event.
type Signal struct {
	ID               string         `json:"id"`
	Source           string         `json:"source"`
	EventType        string         `json:"event_type"`
	Payload          map[string]any `json:"payload"`
	DedupKey         string         `json:"dedup_key"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
	RecommendationID *string        `json:"recommendation_id,omitempty"`
	ProcessAttempts  int            `json:"process_attempts"`
	NextAttemptAt    time.Time      `json:"next_attempt_at"`
	LastError        *string        `json:"last_error,omitempty"`
	ArchivedAt       *time.Time     `json:"archived_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Recommendation is a scored candidate action. Immutable once created.
type Recommendation struct {
	ID        string             `json:"id"`
	SignalID  string             `json:"signal_id"`
	Score     float64            `json:"score"`
	Rationale string             `json:"rationale"`
	Breakdown map[string]float64 `json:"feature_breakdown"`
	CreatedAt time.Time          `json:"created_at"`
}

// QueueItem is the stateful instance of a recommendation moving through
// accept/execute/outcome. Mutated only through the engine's transition API.
type QueueItem struct {
	ID               string         `json:"id"`
	RecommendationID string         `json:"recommendation_id"`
	Domain           string         `json:"domain"`
	ActionType       string         `json:"action_type"`
	ActionContext    map[string]any `json:"action_context"`
	Status           string         `json:"status"`
	Owner            string         `json:"owner"`
	DueBy            *time.Time     `json:"due_by,omitempty"`
	RetryCount       int            `json:"retry_count"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// RankedItem is a queue item joined with its recommendation for ranking reads.
type RankedItem struct {
	QueueItem
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// ExecutionAttempt records one guarded invocation of an action handler.
// (queue_item_id, idempotency_key) is unique; replays return the stored row.
type ExecutionAttempt struct {
	ID             string         `json:"id"`
	QueueItemID    string         `json:"queue_item_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	DryRun         bool           `json:"dry_run"`
	Status         string         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// OutcomeEvent is an observed downstream result attributed to a recommendation.
type OutcomeEvent struct {
	ID               string         `json:"id"`
	RecommendationID string         `json:"recommendation_id"`
	OutcomeType      string         `json:"outcome_type"`
	DetectedAt       time.Time      `json:"detected_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ActionStats is the rolling success rate for an action type, recomputed by
// the feedback pass and consumed by the next scoring pass.
type ActionStats struct {
	ActionType  string    `json:"action_type"`
	SuccessRate float64   `json:"success_rate"`
	SampleSize  int       `json:"sample_size"`
	WindowStart time.Time `json:"window_start"`
	ComputedAt  time.Time `json:"computed_at"`
}

// AuditLog is a durable audit row for transitions and guardrail rejections.
type AuditLog struct {
	Entity   string    `json:"entity"`
	EntityID string    `json:"entity_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

var transitions = map[string]map[string]bool{
	StatusPending:   {StatusAccepted: true, StatusDismissed: true},
	StatusAccepted:  {StatusExecuting: true},
	StatusExecuting: {StatusCompleted: true, StatusFailed: true, StatusRolledBack: true},
	StatusFailed:    {StatusExecuting: true, StatusRolledBack: true},
	StatusCompleted: {StatusRolledBack: true},
}

// CanTransition reports whether from -> to is a legal queue item transition.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// Terminal reports whether a status admits no further transitions except the
// explicit rollback edge from completed.
func Terminal(status string) bool {
	switch status {
	case StatusDismissed, StatusRolledBack:
		return true
	}
	return false
}

// PositiveOutcome reports whether an outcome counts toward the success rate.
func PositiveOutcome(outcomeType string) bool {
	switch outcomeType {
	case OutcomeReply, OutcomeMeetingBooked, OutcomeAdvanced:
		return true
	}
	return false
}

// ValidSource reports whether source names a registered signal origin.
func ValidSource(source string) bool {
	switch source {
	case SourceForm, SourceCRMChange, SourceMailboxReply, SourceManual:
		return true
	}
	return false
}

// ValidOutcome reports whether outcomeType is a known outcome.
func ValidOutcome(outcomeType string) bool {
	switch outcomeType {
	case OutcomeReply, OutcomeMeetingBooked, OutcomeAdvanced, OutcomeNoResponse:
		return true
	}
	return false
}
