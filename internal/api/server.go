// Package api exposes the HTTP surface for operator UIs and ingestion
// collaborators: signal intake, the ranked queue, guarded execution, outcome
// recording, and the live kill switch.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gtm-command-center/internal/config"
	"gtm-command-center/internal/engine"
	"gtm-command-center/internal/feedback"
	"gtm-command-center/internal/logger"
	"gtm-command-center/internal/models"
	"gtm-command-center/internal/store"
	"gtm-command-center/internal/telemetry"
)

// SignalStore is the signal persistence the API reads and writes.
type SignalStore interface {
	InsertSignal(ctx context.Context, source, eventType string, payload map[string]any, dedupKey string) (models.Signal, bool, error)
	GetSignal(ctx context.Context, id string) (models.Signal, bool, error)
	ListSignals(ctx context.Context, f store.SignalFilter) ([]models.Signal, error)
}

// QueueReader serves the ranked queue views.
type QueueReader interface {
	ListRanked(ctx context.Context, f store.TodayFilter) ([]models.RankedItem, error)
	GetRankedItem(ctx context.Context, id string) (models.RankedItem, error)
	ListAttempts(ctx context.Context, itemID string) ([]models.ExecutionAttempt, error)
}

// Executor is the guarded execution engine surface.
type Executor interface {
	Accept(ctx context.Context, itemID string) (models.QueueItem, error)
	Dismiss(ctx context.Context, itemID string) (models.QueueItem, error)
	Execute(ctx context.Context, itemID, idempotencyKey string, dryRun bool) (models.ExecutionAttempt, bool, error)
	Rollback(ctx context.Context, itemID string) (models.QueueItem, error)
}

// OutcomeRecorder records downstream results.
type OutcomeRecorder interface {
	Record(ctx context.Context, recommendationID, outcomeType string, metadata map[string]any) (models.OutcomeEvent, error)
}

// KillSwitch is the live execution stop exposed on the admin surface.
type KillSwitch interface {
	Engaged(ctx context.Context) bool
	Set(ctx context.Context, engaged bool) error
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      config.Config
	signals  SignalStore
	queue    QueueReader
	exec     Executor
	outcomes OutcomeRecorder
	kill     KillSwitch
}

// New constructs the API server.
func New(cfg config.Config, signals SignalStore, queue QueueReader, exec Executor, outcomes OutcomeRecorder, kill KillSwitch) *Server {
	return &Server{
		cfg:      cfg,
		signals:  signals,
		queue:    queue,
		exec:     exec,
		outcomes: outcomes,
		kill:     kill,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/signals", s.handleEnqueueSignal)
	r.Get("/signals", s.handleListSignals)
	r.Get("/signals/{id}", s.handleGetSignal)

	r.Get("/queue/today", s.handleToday)
	r.Get("/queue/{id}", s.handleGetItem)
	r.Post("/queue/{id}/accept", s.handleAccept)
	r.Post("/queue/{id}/dismiss", s.handleDismiss)
	r.Post("/queue/{id}/execute", s.handleExecute)
	r.Post("/queue/{id}/retry", s.handleExecute)
	r.Post("/queue/{id}/rollback", s.handleRollback)

	r.Post("/outcomes", s.handleRecordOutcome)

	r.Get("/admin/killswitch", s.handleGetKillSwitch)
	r.Post("/admin/killswitch", s.handleSetKillSwitch)

	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

type enqueueSignalRequest struct {
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

type enqueueSignalResponse struct {
	Signal    models.Signal `json:"signal"`
	Duplicate bool          `json:"duplicate"`
}

func (s *Server) handleEnqueueSignal(w http.ResponseWriter, r *http.Request) {
	var req enqueueSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if !models.ValidSource(req.Source) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source), nil)
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required", nil)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	key, err := dedupKey(req.Source, req.EventType, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload is not serializable", nil)
		return
	}
	sig, duplicate, err := s.signals.InsertSignal(r.Context(), req.Source, req.EventType, req.Payload, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store signal failed", nil)
		return
	}
	if !duplicate {
		telemetry.SignalsIngested.Inc()
	}
	writeJSON(w, http.StatusAccepted, enqueueSignalResponse{Signal: sig, Duplicate: duplicate})
}

// dedupKey hashes (source, event_type, payload) so repeated polling of the
// same upstream event collapses onto one unprocessed signal. json.Marshal
// sorts map keys, making the hash stable across field orderings.
func dedupKey(source, eventType string, payload map[string]any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(source + "|" + eventType + "|" + string(canonical)))
	return hex.EncodeToString(sum[:]), nil
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	f := store.SignalFilter{
		Source: r.URL.Query().Get("source"),
		Limit:  intQuery(r, "limit", 50),
		Offset: intQuery(r, "offset", 0),
	}
	if v := r.URL.Query().Get("processed"); v != "" {
		processed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "processed must be a boolean", nil)
			return
		}
		f.Processed = &processed
	}
	signals, err := s.signals.ListSignals(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list signals failed", nil)
		return
	}
	if signals == nil {
		signals = []models.Signal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": signals})
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	sig, found, err := s.signals.GetSignal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get signal failed", nil)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "signal not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	f := store.TodayFilter{
		Domain: r.URL.Query().Get("domain"),
		Limit:  intQuery(r, "limit", 20),
	}
	if v := r.URL.Query().Get("due_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "due_before must be RFC3339", nil)
			return
		}
		f.DueBefore = &t
	}
	items, err := s.queue.ListRanked(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list queue failed", nil)
		return
	}
	if items == nil {
		items = []models.RankedItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.queue.GetRankedItem(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	attempts, err := s.queue.ListAttempts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list attempts failed", nil)
		return
	}
	if attempts == nil {
		attempts = []models.ExecutionAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "attempts": attempts})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	item, err := s.exec.Accept(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	item, err := s.exec.Dismiss(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type executeResponse struct {
	Attempt  models.ExecutionAttempt `json:"attempt"`
	Replayed bool                    `json:"replayed"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required", nil)
		return
	}
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dry_run must be a boolean", nil)
			return
		}
		dryRun = parsed
	}

	attempt, replayed, err := s.exec.Execute(r.Context(), chi.URLParam(r, "id"), key, dryRun)
	if err != nil {
		s.writeExecuteError(w, attempt, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Attempt: attempt, Replayed: replayed})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	item, err := s.exec.Rollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, engine.ErrNothingToRollBack) {
			writeError(w, http.StatusConflict, err.Error(), nil)
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type recordOutcomeRequest struct {
	RecommendationID string         `json:"recommendation_id"`
	OutcomeType      string         `json:"outcome_type"`
	Metadata         map[string]any `json:"metadata"`
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req recordOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	event, err := s.outcomes.Record(r.Context(), req.RecommendationID, req.OutcomeType, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrInvalidOutcome):
			writeError(w, http.StatusBadRequest, err.Error(), nil)
		case errors.Is(err, feedback.ErrUnknownRecommendation):
			writeError(w, http.StatusNotFound, err.Error(), nil)
		default:
			writeError(w, http.StatusInternalServerError, "record outcome failed", nil)
		}
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"engaged": s.kill.Engaged(r.Context())})
}

func (s *Server) handleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Engaged bool `json:"engaged"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := s.kill.Set(r.Context(), req.Engaged); err != nil {
		writeError(w, http.StatusInternalServerError, "toggle kill switch failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"engaged": req.Engaged})
}

// writeExecuteError maps engine errors onto the guardrail-aware response
// shape, so an operator UI can explain why a call was rejected.
func (s *Server) writeExecuteError(w http.ResponseWriter, attempt models.ExecutionAttempt, err error) {
	var rle *engine.RateLimitError
	var coe *engine.CircuitOpenError
	switch {
	case errors.Is(err, engine.ErrKillSwitchEngaged):
		writeError(w, http.StatusServiceUnavailable, err.Error(), map[string]any{"guardrail": "kill_switch"})
	case errors.As(err, &rle):
		writeError(w, http.StatusTooManyRequests, err.Error(), map[string]any{
			"guardrail":            "rate_limit",
			"rate_limit_remaining": rle.Remaining,
			"retry_after_seconds":  int(rle.RetryAfter.Seconds()),
		})
	case errors.As(err, &coe):
		writeError(w, http.StatusServiceUnavailable, err.Error(), map[string]any{
			"guardrail":     "circuit_breaker",
			"integration":   coe.Integration,
			"breaker_state": coe.State,
		})
	case errors.Is(err, engine.ErrConcurrentExecution):
		writeError(w, http.StatusConflict, err.Error(), map[string]any{"guardrail": "concurrency"})
	case errors.Is(err, engine.ErrRetryBudgetExhausted):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, engine.ErrNoHandler):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), nil)
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "queue item not found", nil)
	default:
		// Handler failure: the attempt was recorded, surface it with the error.
		retriable := engine.Retriable(err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     err.Error(),
			"retriable": retriable,
			"attempt":   attempt,
		})
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "queue item not found", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func intQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeError(w http.ResponseWriter, code int, msg string, extra map[string]any) {
	body := map[string]any{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
