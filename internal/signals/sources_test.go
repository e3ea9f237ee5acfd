package signals

import (
	"errors"
	"testing"

	"gtm-command-center/internal/models"
)

func TestFormProcessor(t *testing.T) {
	draft, err := FormProcessor{}.Process(models.Signal{
		Source: models.SourceForm,
		Payload: map[string]any{
			"email":             "pat@acme.test",
			"form_id":           "pricing",
			"company":           "Acme",
			"estimated_revenue": float64(80000),
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if draft.ActionType != "send_followup_email" {
		t.Fatalf("action = %s", draft.ActionType)
	}
	if draft.ActionContext["contact"] != "pat@acme.test" || draft.ActionContext["company"] != "Acme" {
		t.Fatalf("context = %v", draft.ActionContext)
	}
	if draft.Inputs.Revenue != 80000 || draft.Inputs.UrgencyDays != 1 {
		t.Fatalf("inputs = %+v", draft.Inputs)
	}
}

func TestCRMChangeProcessor(t *testing.T) {
	draft, err := CRMChangeProcessor{}.Process(models.Signal{
		Source: models.SourceCRMChange,
		Payload: map[string]any{
			"deal_id":       "d-42",
			"stage":         "negotiation",
			"amount":        float64(120000),
			"days_to_close": float64(3),
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if draft.ActionType != "create_crm_task" {
		t.Fatalf("action = %s", draft.ActionType)
	}
	if draft.Inputs.Revenue != 120000 || draft.Inputs.UrgencyDays != 3 {
		t.Fatalf("inputs = %+v", draft.Inputs)
	}
}

func TestMailboxReplyProcessor(t *testing.T) {
	draft, err := MailboxReplyProcessor{}.Process(models.Signal{
		Source: models.SourceMailboxReply,
		Payload: map[string]any{
			"thread_id": "t-9",
			"from":      "pat@acme.test",
			"subject":   "Re: proposal",
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if draft.Inputs.UrgencyDays != 0 {
		t.Fatalf("reply urgency = %v, want same-day", draft.Inputs.UrgencyDays)
	}
	if draft.ActionContext["thread_id"] != "t-9" {
		t.Fatalf("context = %v", draft.ActionContext)
	}
}

func TestManualProcessor(t *testing.T) {
	draft, err := ManualProcessor{}.Process(models.Signal{
		Source: models.SourceManual,
		Payload: map[string]any{
			"action_type":    "create_crm_task",
			"action_context": map[string]any{"account": "acme"},
			"revenue_impact": float64(50000),
			"urgency_days":   float64(1),
			"effort_minutes": float64(15),
			"fit":            0.9,
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if draft.Inputs.Revenue != 50000 || draft.Inputs.Fit != 0.9 {
		t.Fatalf("inputs = %+v", draft.Inputs)
	}
	if draft.ActionContext["account"] != "acme" {
		t.Fatalf("context = %v", draft.ActionContext)
	}
}

func TestProcessorsRejectMissingFields(t *testing.T) {
	cases := []struct {
		name    string
		proc    Processor
		payload map[string]any
	}{
		{"form without email", FormProcessor{}, map[string]any{"form_id": "x"}},
		{"form without form_id", FormProcessor{}, map[string]any{"email": "a@b.test"}},
		{"crm without deal_id", CRMChangeProcessor{}, map[string]any{"stage": "won"}},
		{"crm without stage", CRMChangeProcessor{}, map[string]any{"deal_id": "d-1"}},
		{"mailbox without thread_id", MailboxReplyProcessor{}, map[string]any{"from": "a@b.test"}},
		{"manual without action_type", ManualProcessor{}, map[string]any{}},
	}
	for _, tc := range cases {
		_, err := tc.proc.Process(models.Signal{Payload: tc.payload})
		if !errors.Is(err, ErrMalformedSignal) {
			t.Errorf("%s: err = %v, want ErrMalformedSignal", tc.name, err)
		}
	}
}
