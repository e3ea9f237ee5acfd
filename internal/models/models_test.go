package models

import "testing"

func TestTransitionTable(t *testing.T) {
	legal := [][2]string{
		{StatusPending, StatusAccepted},
		{StatusPending, StatusDismissed},
		{StatusAccepted, StatusExecuting},
		{StatusExecuting, StatusCompleted},
		{StatusExecuting, StatusFailed},
		{StatusExecuting, StatusRolledBack},
		{StatusFailed, StatusExecuting},
		{StatusFailed, StatusRolledBack},
		{StatusCompleted, StatusRolledBack},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s rejected, want allowed", tr[0], tr[1])
		}
	}

	illegal := [][2]string{
		{StatusPending, StatusExecuting},
		{StatusAccepted, StatusDismissed},
		{StatusAccepted, StatusCompleted},
		{StatusDismissed, StatusAccepted},
		{StatusCompleted, StatusExecuting},
		{StatusRolledBack, StatusExecuting},
		{StatusFailed, StatusCompleted},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s allowed, want rejected", tr[0], tr[1])
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !Terminal(StatusDismissed) || !Terminal(StatusRolledBack) {
		t.Error("dismissed and rolled_back must be terminal")
	}
	for _, s := range []string{StatusPending, StatusAccepted, StatusExecuting, StatusCompleted, StatusFailed} {
		if Terminal(s) {
			t.Errorf("%s reported terminal", s)
		}
	}
}

func TestPositiveOutcome(t *testing.T) {
	for _, o := range []string{OutcomeReply, OutcomeMeetingBooked, OutcomeAdvanced} {
		if !PositiveOutcome(o) {
			t.Errorf("%s not counted positive", o)
		}
	}
	if PositiveOutcome(OutcomeNoResponse) {
		t.Error("no_response counted positive")
	}
}
