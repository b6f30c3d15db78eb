// Package action defines the durable action record and its state machine.
//
// A Request is a single unit of user intent ("send this email at 15:00").
// The core never interprets the payload; only the executor backend that
// understands the Kind does.
package action

import (
	"strings"
	"time"
)

// Kind identifies the executor backend responsible for a request.
// New kinds can be added without touching the core.
type Kind string

const (
	KindEmail    Kind = "send-email"
	KindReminder Kind = "send-reminder"
)

// State is the lifecycle state of a request.
type State string

const (
	StateDraft     State = "draft"
	StatePending   State = "pending_confirmation"
	StateConfirmed State = "confirmed"
	StateExecuting State = "executing"
	StateCancelled State = "cancelled"
	StateSent      State = "sent"
	StateFailed    State = "failed"
)

// Payload carries kind-specific data (recipient, subject, body, chat id, ...).
// Values are opaque to the core.
type Payload map[string]string

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	cp := make(Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// Request is one durable scheduled-action record.
//
// Invariants:
//   - ID is unique for the lifetime of the store, including across restarts.
//   - TriggerAt, once set, is never earlier than RequestedAt.
//   - State only moves along the edges in CanTransition; terminal states
//     (Sent, Failed, Cancelled) are never left.
type Request struct {
	ID                   string    `json:"id"`
	Kind                 Kind      `json:"kind"`
	Payload              Payload   `json:"payload,omitempty"`
	RequestedAt          time.Time `json:"requested_at"`
	TriggerAt            time.Time `json:"trigger_at"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	State                State     `json:"state"`
	Attempts             int       `json:"attempts"`
	LastError            string    `json:"last_error,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (r Request) Clone() Request {
	cp := r
	cp.Payload = r.Payload.Clone()
	return cp
}

// Terminal reports whether the request can never change state again.
func (s State) Terminal() bool {
	switch s {
	case StateSent, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StatePending, StateConfirmed, StateExecuting,
		StateCancelled, StateSent, StateFailed:
		return true
	}
	return false
}

func ParseState(raw string) (State, bool) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}
