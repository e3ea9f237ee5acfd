package signals

import (
	"gtm-command-center/internal/models"
	"gtm-command-center/internal/scoring"
)

// FormProcessor handles website form submissions. A form fill is a hot inbound
// lead: short urgency, low effort, follow-up email.
type FormProcessor struct{}

func (FormProcessor) Source() string { return models.SourceForm }

func (FormProcessor) Process(sig models.Signal) (Draft, error) {
	email, ok := payloadString(sig.Payload, "email")
	if !ok {
		return Draft{}, malformed(models.SourceForm, "missing email")
	}
	formID, ok := payloadString(sig.Payload, "form_id")
	if !ok {
		return Draft{}, malformed(models.SourceForm, "missing form_id")
	}
	return Draft{
		Domain:     stringOr(sig.Payload, "domain", "inbound"),
		ActionType: "send_followup_email",
		Owner:      stringOr(sig.Payload, "owner", ""),
		ActionContext: map[string]any{
			"contact": email,
			"form_id": formID,
			"company": stringOr(sig.Payload, "company", ""),
		},
		Inputs: scoring.Inputs{
			Revenue:       numberOr(sig.Payload, "estimated_revenue", 5000),
			UrgencyDays:   1,
			EffortMinutes: 15,
			Fit:           numberOr(sig.Payload, "fit_score", 0.5),
		},
	}, nil
}

// CRMChangeProcessor handles deal stage changes. A moved deal gets a CRM
// follow-up task sized by the deal amount and days to close.
type CRMChangeProcessor struct{}

func (CRMChangeProcessor) Source() string { return models.SourceCRMChange }

func (CRMChangeProcessor) Process(sig models.Signal) (Draft, error) {
	dealID, ok := payloadString(sig.Payload, "deal_id")
	if !ok {
		return Draft{}, malformed(models.SourceCRMChange, "missing deal_id")
	}
	stage, ok := payloadString(sig.Payload, "stage")
	if !ok {
		return Draft{}, malformed(models.SourceCRMChange, "missing stage")
	}
	return Draft{
		Domain:     stringOr(sig.Payload, "domain", "pipeline"),
		ActionType: "create_crm_task",
		Owner:      stringOr(sig.Payload, "owner", ""),
		ActionContext: map[string]any{
			"deal_id": dealID,
			"stage":   stage,
			"account": stringOr(sig.Payload, "account", ""),
		},
		Inputs: scoring.Inputs{
			Revenue:       numberOr(sig.Payload, "amount", 0),
			UrgencyDays:   numberOr(sig.Payload, "days_to_close", 7),
			EffortMinutes: 30,
			Fit:           numberOr(sig.Payload, "fit_score", 0.7),
		},
	}, nil
}

// MailboxReplyProcessor handles replies landing in a tracked mailbox. A live
// thread wants an answer today.
type MailboxReplyProcessor struct{}

func (MailboxReplyProcessor) Source() string { return models.SourceMailboxReply }

func (MailboxReplyProcessor) Process(sig models.Signal) (Draft, error) {
	threadID, ok := payloadString(sig.Payload, "thread_id")
	if !ok {
		return Draft{}, malformed(models.SourceMailboxReply, "missing thread_id")
	}
	from, ok := payloadString(sig.Payload, "from")
	if !ok {
		return Draft{}, malformed(models.SourceMailboxReply, "missing from")
	}
	return Draft{
		Domain:     stringOr(sig.Payload, "domain", "inbound"),
		ActionType: "send_followup_email",
		Owner:      stringOr(sig.Payload, "owner", ""),
		ActionContext: map[string]any{
			"thread_id": threadID,
			"contact":   from,
			"subject":   stringOr(sig.Payload, "subject", ""),
		},
		Inputs: scoring.Inputs{
			Revenue:       numberOr(sig.Payload, "deal_amount", 10000),
			UrgencyDays:   0,
			EffortMinutes: 10,
			Fit:           numberOr(sig.Payload, "fit_score", 0.6),
		},
	}, nil
}

// ManualProcessor handles operator-entered signals where the payload states
// the action and feature inputs explicitly.
type ManualProcessor struct{}

func (ManualProcessor) Source() string { return models.SourceManual }

func (ManualProcessor) Process(sig models.Signal) (Draft, error) {
	actionType, ok := payloadString(sig.Payload, "action_type")
	if !ok {
		return Draft{}, malformed(models.SourceManual, "missing action_type")
	}
	ctx, _ := sig.Payload["action_context"].(map[string]any)
	if ctx == nil {
		ctx = map[string]any{}
	}
	return Draft{
		Domain:        stringOr(sig.Payload, "domain", "manual"),
		ActionType:    actionType,
		Owner:         stringOr(sig.Payload, "owner", ""),
		ActionContext: ctx,
		Inputs: scoring.Inputs{
			Revenue:       numberOr(sig.Payload, "revenue_impact", 0),
			UrgencyDays:   numberOr(sig.Payload, "urgency_days", 7),
			EffortMinutes: numberOr(sig.Payload, "effort_minutes", 30),
			Fit:           numberOr(sig.Payload, "fit", 0.5),
		},
	}, nil
}

// DefaultProcessors returns one processor per registered source.
func DefaultProcessors() []Processor {
	return []Processor{FormProcessor{}, CRMChangeProcessor{}, MailboxReplyProcessor{}, ManualProcessor{}}
}
