package action

import (
	"errors"
	"testing"
)

func TestTransitionEdges(t *testing.T) {
	t.Parallel()
	valid := []struct{ from, to State }{
		{StateDraft, StatePending},
		{StateDraft, StateConfirmed},
		{StateDraft, StateCancelled},
		{StatePending, StateConfirmed},
		{StatePending, StateCancelled},
		{StateConfirmed, StateExecuting},
		{StateConfirmed, StateCancelled},
		{StateExecuting, StateSent},
		{StateExecuting, StateConfirmed},
		{StateExecuting, StateFailed},
	}
	for _, e := range valid {
		if err := Transition(e.from, e.to); err != nil {
			t.Errorf("Transition(%s, %s) = %v, want nil", e.from, e.to, err)
		}
	}

	invalid := []struct{ from, to State }{
		{StateDraft, StateSent},
		{StateDraft, StateExecuting},
		{StatePending, StateExecuting},
		{StateConfirmed, StateSent},
		{StateExecuting, StateCancelled},
	}
	for _, e := range invalid {
		if err := Transition(e.from, e.to); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%s, %s) = %v, want ErrInvalidTransition", e.from, e.to, err)
		}
	}
}

func TestTransitionFromTerminal(t *testing.T) {
	t.Parallel()
	for _, from := range []State{StateSent, StateFailed, StateCancelled} {
		for _, to := range []State{StateDraft, StateConfirmed, StateCancelled, StateSent} {
			if err := Transition(from, to); !errors.Is(err, ErrAlreadyTerminal) {
				t.Errorf("Transition(%s, %s) = %v, want ErrAlreadyTerminal", from, to, err)
			}
		}
	}
}

func TestStateHelpers(t *testing.T) {
	t.Parallel()
	if !StateSent.Terminal() || StateConfirmed.Terminal() {
		t.Fatal("Terminal() wrong for sent/confirmed")
	}
	if s, ok := ParseState(" Confirmed "); !ok || s != StateConfirmed {
		t.Fatalf("ParseState = %q, %v", s, ok)
	}
	if _, ok := ParseState("bogus"); ok {
		t.Fatal("ParseState accepted bogus state")
	}
}
