package workflow_test

import (
	"testing"

	"guardline/internal/workflow"
)

func TestTransitionTable(t *testing.T) {
	valid := []struct{ from, to workflow.State }{
		{workflow.StatePosted, workflow.StateApplied},
		{workflow.StateApplied, workflow.StateUnderReview},
		{workflow.StateUnderReview, workflow.StateAccepted},
		{workflow.StateAccepted, workflow.StateInProgress},
		{workflow.StateInProgress, workflow.StateCompleted},
		{workflow.StateCompleted, workflow.StateRated},
		{workflow.StateRated, workflow.StatePaid},
		{workflow.StatePaid, workflow.StateClosed},
	}
	for _, tc := range valid {
		if !workflow.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to workflow.State }{
		{workflow.StatePosted, workflow.StateAccepted},
		{workflow.StateCompleted, workflow.StatePaid},
		{workflow.StateClosed, workflow.StatePosted},
		{workflow.StateCancelled, workflow.StatePosted},
		{workflow.StateRated, workflow.StateCompleted},
		{workflow.StatePaid, workflow.StateRated},
	}
	for _, tc := range invalid {
		if workflow.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestCancellableFromEveryNonTerminalState(t *testing.T) {
	for _, s := range workflow.AllStates() {
		got := workflow.CanTransition(s, workflow.StateCancelled)
		want := !s.Terminal()
		if got != want {
			t.Errorf("cancel from %s: got %v want %v", s, got, want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range workflow.AllStates() {
		terminal := s == workflow.StateClosed || s == workflow.StateCancelled
		if s.Terminal() != terminal {
			t.Errorf("Terminal(%s) = %v", s, s.Terminal())
		}
	}
}

func TestParseState(t *testing.T) {
	if _, ok := workflow.ParseState("in_progress"); !ok {
		t.Fatal("expected in_progress to parse")
	}
	if _, ok := workflow.ParseState("sideways"); ok {
		t.Fatal("expected unknown state to be rejected")
	}
}
