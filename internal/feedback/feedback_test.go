package feedback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"gtm-command-center/internal/config"
	"gtm-command-center/internal/models"
)

type fakeFeedbackStore struct {
	recommendations map[string]bool
	outcomes        []models.OutcomeEvent
	rawStats        []models.ActionStats
	upserted        map[string]models.ActionStats
	computeSince    time.Time
}

func newFakeFeedbackStore() *fakeFeedbackStore {
	return &fakeFeedbackStore{
		recommendations: map[string]bool{},
		upserted:        map[string]models.ActionStats{},
	}
}

func (s *fakeFeedbackStore) RecommendationExists(ctx context.Context, id string) (bool, error) {
	return s.recommendations[id], nil
}

func (s *fakeFeedbackStore) InsertOutcome(ctx context.Context, o models.OutcomeEvent) error {
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *fakeFeedbackStore) ComputeActionStats(ctx context.Context, since time.Time) ([]models.ActionStats, error) {
	s.computeSince = since
	return s.rawStats, nil
}

func (s *fakeFeedbackStore) UpsertActionStats(ctx context.Context, stats models.ActionStats) error {
	s.upserted[stats.ActionType] = stats
	return nil
}

func newTestService(st *fakeFeedbackStore) *Service {
	cfg := config.Config{OutcomeWindow: 90 * 24 * time.Hour}
	return New(cfg, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecordOutcome(t *testing.T) {
	st := newFakeFeedbackStore()
	st.recommendations["rec-1"] = true
	svc := newTestService(st)

	event, err := svc.Record(context.Background(), "rec-1", models.OutcomeMeetingBooked, map[string]any{"deal": "d-1"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if event.RecommendationID != "rec-1" || event.OutcomeType != models.OutcomeMeetingBooked {
		t.Fatalf("event = %+v", event)
	}
	if len(st.outcomes) != 1 {
		t.Fatalf("stored %d outcomes", len(st.outcomes))
	}
}

func TestRecordRejectsUnknownRecommendation(t *testing.T) {
	svc := newTestService(newFakeFeedbackStore())

	_, err := svc.Record(context.Background(), "rec-missing", models.OutcomeReply, nil)
	if !errors.Is(err, ErrUnknownRecommendation) {
		t.Fatalf("err = %v, want ErrUnknownRecommendation", err)
	}
}

func TestRecordRejectsInvalidOutcomeType(t *testing.T) {
	st := newFakeFeedbackStore()
	st.recommendations["rec-1"] = true
	svc := newTestService(st)

	_, err := svc.Record(context.Background(), "rec-1", "ghosted", nil)
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("err = %v, want ErrInvalidOutcome", err)
	}
	if len(st.outcomes) != 0 {
		t.Fatal("invalid outcome stored")
	}
}

func TestRecomputeClampsRates(t *testing.T) {
	st := newFakeFeedbackStore()
	st.rawStats = []models.ActionStats{
		{ActionType: "send_followup_email", SuccessRate: 1.0, SampleSize: 2},
		{ActionType: "create_crm_task", SuccessRate: 0.0, SampleSize: 3},
		{ActionType: "book_meeting", SuccessRate: 0.5, SampleSize: 40},
	}
	svc := newTestService(st)

	n, err := svc.Recompute(context.Background())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if n != 3 {
		t.Fatalf("updated %d action types, want 3", n)
	}
	if got := st.upserted["send_followup_email"].SuccessRate; got != 0.95 {
		t.Fatalf("perfect small sample clamped to %v, want 0.95", got)
	}
	if got := st.upserted["create_crm_task"].SuccessRate; got != 0.05 {
		t.Fatalf("zero rate clamped to %v, want 0.05", got)
	}
	if got := st.upserted["book_meeting"].SuccessRate; got != 0.5 {
		t.Fatalf("mid rate changed to %v", got)
	}
}

func TestRecomputeUsesTrailingWindow(t *testing.T) {
	st := newFakeFeedbackStore()
	svc := newTestService(st)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	if _, err := svc.Recompute(context.Background()); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if want := base.Add(-90 * 24 * time.Hour); !st.computeSince.Equal(want) {
		t.Fatalf("window start = %s, want %s", st.computeSince, want)
	}
}
