package workflow

import (
	"context"
	"errors"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
)

// Cancel marks an action Cancelled if it is still in a cancellable state
// (Draft, PendingConfirmation, Confirmed).
//
// Fails with ErrAlreadyExecuting when a dispatcher worker has claimed the
// record (cancellation is cooperative, never preemptive: an in-flight send
// is not interrupted), and ErrAlreadyTerminal when the action already
// reached Sent, Failed or Cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (action.Request, error) {
	// The claim race makes one retry worthwhile: if the CAS loses to the
	// dispatcher we re-read and report what actually happened.
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return action.Request{}, err
		}
		switch {
		case rec.State.Terminal():
			return action.Request{}, action.ErrAlreadyTerminal
		case rec.State == action.StateExecuting:
			return action.Request{}, action.ErrAlreadyExecuting
		}

		got, err := s.store.Update(ctx, id, rec.State, func(r *action.Request) error {
			r.State = action.StateCancelled
			return nil
		})
		if errors.Is(err, action.ErrStaleState) {
			continue
		}
		if err != nil {
			return action.Request{}, err
		}
		s.log.Info("action cancelled", logx.String("id", got.ID), logx.String("kind", string(got.Kind)))
		s.publish(eventbus.TypeActionCancelled, got)
		return got, nil
	}
	return action.Request{}, action.ErrAlreadyExecuting
}
