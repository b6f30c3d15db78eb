package action

// edges is the full transition table. Anything not listed is invalid.
var edges = map[State][]State{
	StateDraft:     {StatePending, StateConfirmed, StateCancelled},
	StatePending:   {StateConfirmed, StateCancelled},
	StateConfirmed: {StateExecuting, StateCancelled},
	// Executing -> Confirmed is the retry path: the dispatcher releases its
	// claim and pushes TriggerAt forward so a later tick picks it up again.
	StateExecuting: {StateSent, StateConfirmed, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the edge and returns the error the caller should
// surface: ErrAlreadyTerminal when the record is done, ErrInvalidTransition
// for any other illegal move.
func Transition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	if from.Terminal() {
		return ErrAlreadyTerminal
	}
	return ErrInvalidTransition
}
