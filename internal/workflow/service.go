// Package workflow owns the confirmation state machine: intake, approval,
// cancellation, and expiry of unapproved actions.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
	"sendlater/internal/store"
	"sendlater/internal/timespec"
)

// Config controls the confirmation workflow.
type Config struct {
	// ApprovalTimeout is how long an action may sit in PendingConfirmation
	// before it is cancelled automatically. Default 15 minutes.
	ApprovalTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 15 * time.Minute
	}
	return c
}

type Service struct {
	cfg   Config
	store store.Store
	bus   eventbus.Bus
	log   logx.Logger

	now func() time.Time
}

func New(cfg Config, st store.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: st,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// Intake is what the intent parser delivers: a kind, an opaque payload, a
// structured time expression, and the caller's confirmation policy.
type Intake struct {
	Kind                 action.Kind
	Payload              action.Payload
	When                 string
	RequiresConfirmation bool
}

// Accept resolves the trigger instant, persists the request as Draft, and
// immediately advances it to PendingConfirmation or Confirmed.
//
// Returns the stored record; time errors (ErrUnresolvableTime, ErrPastTime)
// surface to the user for correction and nothing is persisted.
func (s *Service) Accept(ctx context.Context, in Intake) (action.Request, error) {
	if strings.TrimSpace(string(in.Kind)) == "" {
		return action.Request{}, errors.New("action kind is required")
	}
	now := s.now().UTC()
	trigger, err := timespec.ParseAndResolve(in.When, now)
	if err != nil {
		return action.Request{}, err
	}

	rec := action.Request{
		ID:                   uuid.NewString(),
		Kind:                 in.Kind,
		Payload:              in.Payload.Clone(),
		RequestedAt:          now,
		TriggerAt:            trigger.UTC(),
		RequiresConfirmation: in.RequiresConfirmation,
		State:                action.StateDraft,
		UpdatedAt:            now,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return action.Request{}, fmt.Errorf("persist intake: %w", err)
	}

	next := action.StateConfirmed
	event := eventbus.TypeActionConfirmed
	if in.RequiresConfirmation {
		next = action.StatePending
		event = eventbus.TypeActionPending
	}
	rec, err = s.store.Update(ctx, rec.ID, action.StateDraft, func(r *action.Request) error {
		r.State = next
		return nil
	})
	if err != nil {
		return action.Request{}, fmt.Errorf("advance intake: %w", err)
	}

	s.log.Info("action accepted",
		logx.String("id", rec.ID),
		logx.String("kind", string(rec.Kind)),
		logx.String("state", string(rec.State)),
		logx.Time("trigger_at", rec.TriggerAt))
	s.publish(event, rec)
	return rec, nil
}

// Approve moves a PendingConfirmation action to Confirmed.
// Fails with ErrInvalidTransition if the action is in any other state.
func (s *Service) Approve(ctx context.Context, id string) (action.Request, error) {
	rec, err := s.store.Update(ctx, id, action.StatePending, func(r *action.Request) error {
		r.State = action.StateConfirmed
		return nil
	})
	if errors.Is(err, action.ErrStaleState) {
		return action.Request{}, action.ErrInvalidTransition
	}
	if err != nil {
		return action.Request{}, err
	}
	s.log.Info("action approved", logx.String("id", rec.ID), logx.Time("trigger_at", rec.TriggerAt))
	s.publish(eventbus.TypeActionConfirmed, rec)
	return rec, nil
}

// ExpireStale cancels PendingConfirmation actions whose approval window has
// closed. Enforced by wall-clock comparison against the stored timestamp so
// it survives restarts. Returns how many actions were expired.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	deadline := now.Add(-s.cfg.ApprovalTimeout)
	expired := 0
	for _, rec := range pending {
		if rec.State != action.StatePending || rec.RequestedAt.After(deadline) {
			continue
		}
		got, err := s.store.Update(ctx, rec.ID, action.StatePending, func(r *action.Request) error {
			r.State = action.StateCancelled
			r.LastError = "confirmation expired"
			return nil
		})
		if errors.Is(err, action.ErrStaleState) {
			continue // approved or cancelled while we scanned
		}
		if err != nil {
			return expired, err
		}
		expired++
		s.log.Info("confirmation expired", logx.String("id", got.ID),
			logx.Duration("after", s.cfg.ApprovalTimeout))
		s.publish(eventbus.TypeActionCancelled, got)
	}
	return expired, nil
}

// ListPending is the user-facing "show my scheduled actions" pass-through.
// Terminal records are excluded; use Lookup for outcome queries.
func (s *Service) ListPending(ctx context.Context) ([]action.Request, error) {
	return s.store.ListPending(ctx)
}

// Lookup returns any record, terminal or not, so a user can always
// determine the outcome of a request they made.
func (s *Service) Lookup(ctx context.Context, id string) (action.Request, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) publish(typ string, rec action.Request) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: rec})
}
