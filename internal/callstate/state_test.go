package callstate

import (
	"errors"
	"testing"
)

func TestTransition_LegalEdges(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateInProgress, StateProcessingAI},
		{StateInProgress, StateFailed},
		{StateInProgress, StateCompleted},
		{StateProcessingAI, StateCompleted},
		{StateProcessingAI, StateFailed},
		{StateFailed, StateProcessingAI},
		{StateFailed, StateArchived},
		{StateCompleted, StateArchived},
	}
	for _, e := range legal {
		if err := Transition(e.from, e.to); err != nil {
			t.Fatalf("expected %s -> %s legal, got %v", e.from, e.to, err)
		}
	}
}

func TestTransition_IllegalEdges(t *testing.T) {
	illegal := []struct{ from, to State }{
		{StateArchived, StateInProgress},
		{StateArchived, StateProcessingAI},
		{StateArchived, StateCompleted},
		{StateArchived, StateFailed},
		{StateCompleted, StateInProgress},
		{StateCompleted, StateProcessingAI},
		{StateCompleted, StateFailed},
		{StateProcessingAI, StateInProgress},
		{StateProcessingAI, StateArchived},
		{StateFailed, StateInProgress},
		{StateFailed, StateCompleted},
		{StateInProgress, StateArchived},
	}
	for _, e := range illegal {
		err := Transition(e.from, e.to)
		if err == nil {
			t.Fatalf("expected %s -> %s illegal", e.from, e.to)
		}
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("expected ErrIllegalTransition, got %v", err)
		}
	}
}

func TestTransition_UnknownState(t *testing.T) {
	if err := Transition(State("BOGUS"), StateCompleted); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for unknown from-state, got %v", err)
	}
	if err := Transition(StateInProgress, State("")); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for unknown to-state, got %v", err)
	}
}

func TestSelfTransitionIsIllegal(t *testing.T) {
	for _, s := range []State{StateInProgress, StateProcessingAI, StateCompleted, StateFailed, StateArchived} {
		if CanTransition(s, s) {
			t.Fatalf("self transition %s -> %s must be illegal", s, s)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(StateArchived) {
		t.Fatalf("ARCHIVED must be terminal")
	}
	for _, s := range []State{StateInProgress, StateProcessingAI, StateCompleted, StateFailed} {
		if Terminal(s) {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestValid(t *testing.T) {
	if Valid(State("nope")) {
		t.Fatalf("expected invalid")
	}
	if !Valid(StateInProgress) {
		t.Fatalf("expected valid")
	}
}
