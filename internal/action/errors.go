package action

import "errors"

// Store contract violations. These are caller bugs, never swallowed.
var (
	ErrDuplicateID = errors.New("duplicate action id")
	ErrNotFound    = errors.New("action not found")
	ErrStaleState  = errors.New("action state changed concurrently")
)

// Input validation, surfaced to the user for correction.
var (
	ErrUnresolvableTime = errors.New("time expression cannot be resolved")
	ErrPastTime         = errors.New("resolved time is in the past")
)

// Workflow contract violations, surfaced as "nothing to do" responses.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyTerminal   = errors.New("action already in a terminal state")
	ErrAlreadyExecuting  = errors.New("action is being executed")
)
