package store

import (
	"context"
	"errors"
	"time"

	"sendlater/internal/action"
)

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Mutation edits a record in place during a compare-and-swap update.
// It must not touch ID or RequestedAt.
type Mutation func(*action.Request) error

// Store is the single source of truth for action records and the only
// synchronization primitive between dispatcher workers.
//
// Contract:
//   - Put fails with action.ErrDuplicateID if the id exists.
//   - Get/Update fail with action.ErrNotFound for unknown ids.
//   - Update applies mut atomically iff the record's current state equals
//     expect; otherwise it fails with action.ErrStaleState and changes
//     nothing. A state change made by mut must be a legal transition.
//   - ListDue returns Confirmed records with TriggerAt <= now, ordered by
//     TriggerAt ascending, ties broken by ID ascending.
//   - ListPending returns all non-terminal records.
//   - Every Put/Update that returns nil is observable after a crash
//     immediately following the call (write-then-acknowledge).
//
// Records are never physically deleted; retention is a collaborator concern.
type Store interface {
	Put(ctx context.Context, rec action.Request) error
	Get(ctx context.Context, id string) (action.Request, error)
	Update(ctx context.Context, id string, expect action.State, mut Mutation) (action.Request, error)
	ListDue(ctx context.Context, now time.Time) ([]action.Request, error)
	ListPending(ctx context.Context) ([]action.Request, error)
	Close() error
}

// validate applies the shared invariant checks before a record is written.
func validate(rec action.Request) error {
	if rec.ID == "" {
		return errors.New("record id is empty")
	}
	if !rec.State.Valid() {
		return errors.New("record state is invalid: " + string(rec.State))
	}
	if !rec.TriggerAt.IsZero() && rec.TriggerAt.Before(rec.RequestedAt) {
		return errors.New("trigger_at is before requested_at")
	}
	return nil
}

// applyMutation runs mut against a copy of cur and checks the result.
// Used by both drivers so CAS semantics stay identical.
func applyMutation(cur action.Request, mut Mutation) (action.Request, error) {
	next := cur.Clone()
	if err := mut(&next); err != nil {
		return action.Request{}, err
	}
	if next.ID != cur.ID || !next.RequestedAt.Equal(cur.RequestedAt) {
		return action.Request{}, errors.New("mutation must not change id or requested_at")
	}
	if next.State != cur.State {
		if err := action.Transition(cur.State, next.State); err != nil {
			return action.Request{}, err
		}
	}
	if err := validate(next); err != nil {
		return action.Request{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}
