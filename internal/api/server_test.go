package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gtm-command-center/internal/config"
	"gtm-command-center/internal/engine"
	"gtm-command-center/internal/feedback"
	"gtm-command-center/internal/guard"
	"gtm-command-center/internal/models"
	"gtm-command-center/internal/store"
)

type fakeSignals struct {
	inserted []string // dedup keys seen
	listed   []models.Signal
}

func (f *fakeSignals) InsertSignal(ctx context.Context, source, eventType string, payload map[string]any, dedupKey string) (models.Signal, bool, error) {
	for _, k := range f.inserted {
		if k == dedupKey {
			return models.Signal{ID: "sig-dup", Source: source, DedupKey: dedupKey}, true, nil
		}
	}
	f.inserted = append(f.inserted, dedupKey)
	return models.Signal{ID: fmt.Sprintf("sig-%d", len(f.inserted)), Source: source, EventType: eventType, DedupKey: dedupKey}, false, nil
}

func (f *fakeSignals) GetSignal(ctx context.Context, id string) (models.Signal, bool, error) {
	for _, s := range f.listed {
		if s.ID == id {
			return s, true, nil
		}
	}
	return models.Signal{}, false, nil
}

func (f *fakeSignals) ListSignals(ctx context.Context, filter store.SignalFilter) ([]models.Signal, error) {
	return f.listed, nil
}

type fakeQueue struct {
	ranked []models.RankedItem
}

func (f *fakeQueue) ListRanked(ctx context.Context, filter store.TodayFilter) ([]models.RankedItem, error) {
	if filter.Limit < len(f.ranked) {
		return f.ranked[:filter.Limit], nil
	}
	return f.ranked, nil
}

func (f *fakeQueue) GetRankedItem(ctx context.Context, id string) (models.RankedItem, error) {
	for _, it := range f.ranked {
		if it.ID == id {
			return it, nil
		}
	}
	return models.RankedItem{}, store.ErrNotFound
}

func (f *fakeQueue) ListAttempts(ctx context.Context, itemID string) ([]models.ExecutionAttempt, error) {
	return nil, nil
}

type fakeExecutor struct {
	executeErr error
	attempt    models.ExecutionAttempt
	replayed   bool
	acceptErr  error
}

func (f *fakeExecutor) Accept(ctx context.Context, itemID string) (models.QueueItem, error) {
	if f.acceptErr != nil {
		return models.QueueItem{}, f.acceptErr
	}
	return models.QueueItem{ID: itemID, Status: models.StatusAccepted}, nil
}

func (f *fakeExecutor) Dismiss(ctx context.Context, itemID string) (models.QueueItem, error) {
	return models.QueueItem{ID: itemID, Status: models.StatusDismissed}, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, itemID, key string, dryRun bool) (models.ExecutionAttempt, bool, error) {
	return f.attempt, f.replayed, f.executeErr
}

func (f *fakeExecutor) Rollback(ctx context.Context, itemID string) (models.QueueItem, error) {
	return models.QueueItem{ID: itemID, Status: models.StatusRolledBack}, nil
}

type fakeOutcomes struct {
	err error
}

func (f *fakeOutcomes) Record(ctx context.Context, recommendationID, outcomeType string, metadata map[string]any) (models.OutcomeEvent, error) {
	if f.err != nil {
		return models.OutcomeEvent{}, f.err
	}
	return models.OutcomeEvent{ID: "oe-1", RecommendationID: recommendationID, OutcomeType: outcomeType}, nil
}

type fakeKill struct {
	engaged bool
}

func (f *fakeKill) Engaged(ctx context.Context) bool            { return f.engaged }
func (f *fakeKill) Set(ctx context.Context, engaged bool) error { f.engaged = engaged; return nil }

type serverFixture struct {
	signals  *fakeSignals
	queue    *fakeQueue
	exec     *fakeExecutor
	outcomes *fakeOutcomes
	kill     *fakeKill
	handler  http.Handler
}

func newServerFixture() *serverFixture {
	f := &serverFixture{
		signals:  &fakeSignals{},
		queue:    &fakeQueue{},
		exec:     &fakeExecutor{},
		outcomes: &fakeOutcomes{},
		kill:     &fakeKill{},
	}
	srv := New(config.Config{}, f.signals, f.queue, f.exec, f.outcomes, f.kill)
	f.handler = srv.Router()
	return f
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestEnqueueSignal(t *testing.T) {
	f := newServerFixture()
	body := map[string]any{
		"source":     "form",
		"event_type": "submitted",
		"payload":    map[string]any{"email": "pat@acme.test", "form_id": "demo"},
	}

	rec := doJSON(t, f.handler, http.MethodPost, "/signals", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["duplicate"] != false {
		t.Fatalf("first insert marked duplicate: %v", got)
	}

	// Same event again collapses on the dedup key.
	rec = doJSON(t, f.handler, http.MethodPost, "/signals", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	if got := decodeBody(t, rec); got["duplicate"] != true {
		t.Fatalf("repeat insert not marked duplicate: %v", got)
	}
}

func TestEnqueueSignalValidation(t *testing.T) {
	f := newServerFixture()

	rec := doJSON(t, f.handler, http.MethodPost, "/signals", map[string]any{"source": "telepathy", "event_type": "x"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown source: status = %d", rec.Code)
	}
	rec = doJSON(t, f.handler, http.MethodPost, "/signals", map[string]any{"source": "form"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing event_type: status = %d", rec.Code)
	}
}

func TestTodayRanking(t *testing.T) {
	f := newServerFixture()
	f.queue.ranked = []models.RankedItem{
		{QueueItem: models.QueueItem{ID: "qi-1", Status: models.StatusPending}, Score: 92.5, Rationale: "urgent"},
		{QueueItem: models.QueueItem{ID: "qi-2", Status: models.StatusPending}, Score: 41.0, Rationale: "low-signal action"},
	}

	rec := doJSON(t, f.handler, http.MethodGet, "/queue/today?limit=1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody(t, rec)
	items := got["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v, want limit applied", items)
	}
}

func TestExecuteRequiresIdempotencyKey(t *testing.T) {
	f := newServerFixture()
	rec := doJSON(t, f.handler, http.MethodPost, "/queue/qi-1/execute", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExecuteGuardrailStatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		guardrail string
	}{
		{"kill switch", engine.ErrKillSwitchEngaged, http.StatusServiceUnavailable, "kill_switch"},
		{"rate limit", &engine.RateLimitError{ActionType: "send_followup_email", RetryAfter: 10 * time.Minute}, http.StatusTooManyRequests, "rate_limit"},
		{"circuit open", &engine.CircuitOpenError{Integration: "crm.test", State: guard.BreakerOpen}, http.StatusServiceUnavailable, "circuit_breaker"},
		{"concurrent", engine.ErrConcurrentExecution, http.StatusConflict, "concurrency"},
		{"invalid transition", fmt.Errorf("pending -> executing: %w", store.ErrInvalidTransition), http.StatusConflict, ""},
		{"not found", store.ErrNotFound, http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		f := newServerFixture()
		f.exec.executeErr = tc.err

		rec := doJSON(t, f.handler, http.MethodPost, "/queue/qi-1/execute", nil, map[string]string{"Idempotency-Key": "key-1"})
		if rec.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.status)
			continue
		}
		if tc.guardrail != "" {
			if got := decodeBody(t, rec)["guardrail"]; got != tc.guardrail {
				t.Errorf("%s: guardrail = %v, want %s", tc.name, got, tc.guardrail)
			}
		}
	}
}

func TestExecuteRateLimitDetail(t *testing.T) {
	f := newServerFixture()
	f.exec.executeErr = &engine.RateLimitError{ActionType: "send_followup_email", Remaining: 0, RetryAfter: 30 * time.Minute}

	rec := doJSON(t, f.handler, http.MethodPost, "/queue/qi-1/execute", nil, map[string]string{"Idempotency-Key": "key-1"})
	got := decodeBody(t, rec)
	if got["retry_after_seconds"] != float64(1800) {
		t.Fatalf("retry_after_seconds = %v", got["retry_after_seconds"])
	}
	if got["rate_limit_remaining"] != float64(0) {
		t.Fatalf("rate_limit_remaining = %v", got["rate_limit_remaining"])
	}
}

func TestExecuteReplay(t *testing.T) {
	f := newServerFixture()
	f.exec.attempt = models.ExecutionAttempt{ID: "at-1", Status: models.AttemptSucceeded}
	f.exec.replayed = true

	rec := doJSON(t, f.handler, http.MethodPost, "/queue/qi-1/execute", nil, map[string]string{"Idempotency-Key": "key-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec); got["replayed"] != true {
		t.Fatalf("body = %v", got)
	}
}

func TestAcceptInvalidTransition(t *testing.T) {
	f := newServerFixture()
	f.exec.acceptErr = fmt.Errorf("dismissed -> accepted: %w", store.ErrInvalidTransition)

	rec := doJSON(t, f.handler, http.MethodPost, "/queue/qi-1/accept", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRecordOutcome(t *testing.T) {
	f := newServerFixture()
	body := map[string]any{"recommendation_id": "rec-1", "outcome_type": "reply"}

	rec := doJSON(t, f.handler, http.MethodPost, "/outcomes", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}

	f.outcomes.err = fmt.Errorf("rec-x: %w", feedback.ErrUnknownRecommendation)
	rec = doJSON(t, f.handler, http.MethodPost, "/outcomes", body, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown recommendation: status = %d", rec.Code)
	}

	f.outcomes.err = fmt.Errorf("ghosted: %w", feedback.ErrInvalidOutcome)
	rec = doJSON(t, f.handler, http.MethodPost, "/outcomes", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid outcome: status = %d", rec.Code)
	}
}

func TestKillSwitchAdmin(t *testing.T) {
	f := newServerFixture()

	rec := doJSON(t, f.handler, http.MethodGet, "/admin/killswitch", nil, nil)
	if got := decodeBody(t, rec); got["engaged"] != false {
		t.Fatalf("initial state = %v", got)
	}

	rec = doJSON(t, f.handler, http.MethodPost, "/admin/killswitch", map[string]any{"engaged": true}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doJSON(t, f.handler, http.MethodGet, "/admin/killswitch", nil, nil)
	if got := decodeBody(t, rec); got["engaged"] != true {
		t.Fatalf("state after toggle = %v", got)
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture()
	rec := doJSON(t, f.handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
