package dispatch

import (
	"context"
	"time"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
	"sendlater/internal/executor"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan action.Request) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case rec := <-queue:
			s.execOne(ctx, rec)
		}
	}
}

// execOne runs a claimed action against its backend and records the outcome.
// The record is already Executing; every exit path below moves it to Sent,
// back to Confirmed (retry), or Failed.
func (s *Service) execOne(ctx context.Context, rec action.Request) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, cfg.ExecTimeout)
	err := s.exec.Execute(execCtx, rec.Kind, rec.Payload)
	cancel()
	took := time.Since(start)

	attempts := rec.Attempts + 1

	if err == nil {
		sent, uerr := s.store.Update(ctx, rec.ID, action.StateExecuting, func(r *action.Request) error {
			r.State = action.StateSent
			r.Attempts = attempts
			r.LastError = ""
			return nil
		})
		if uerr != nil {
			// The side effect happened but the store would not record it.
			// Leave the record Executing; claim recovery will retry it and
			// may duplicate the send (see package doc).
			s.log.Error("sent but store update failed", logx.String("id", rec.ID), logx.Err(uerr))
			return
		}
		s.log.Info("action sent", logx.String("id", rec.ID), logx.String("kind", string(rec.Kind)),
			logx.Int("attempts", attempts), logx.Duration("took", took))
		s.publish(eventbus.TypeActionSent, sent)
		return
	}

	permanent := executor.IsPermanent(err)
	if permanent || attempts >= cfg.MaxAttempts {
		failed, uerr := s.store.Update(ctx, rec.ID, action.StateExecuting, func(r *action.Request) error {
			r.State = action.StateFailed
			r.Attempts = attempts
			r.LastError = err.Error()
			return nil
		})
		if uerr != nil {
			s.log.Error("failure not recorded", logx.String("id", rec.ID), logx.Err(uerr))
			return
		}
		s.log.Warn("action failed permanently", logx.String("id", rec.ID), logx.String("kind", string(rec.Kind)),
			logx.Int("attempts", attempts), logx.Bool("permanent", permanent), logx.Err(err))
		s.publish(eventbus.TypeActionFailed, failed)
		return
	}

	// Transient failure with budget left: push the trigger forward and hand
	// the action back to the scan loop. No timers are held in memory, so a
	// restart only delays the retry.
	delay := backoffDelay(cfg, attempts)
	retryAt := s.now().UTC().Add(delay)
	_, uerr := s.store.Update(ctx, rec.ID, action.StateExecuting, func(r *action.Request) error {
		r.State = action.StateConfirmed
		r.Attempts = attempts
		r.LastError = err.Error()
		r.TriggerAt = retryAt
		return nil
	})
	if uerr != nil {
		s.log.Error("retry not recorded", logx.String("id", rec.ID), logx.Err(uerr))
		return
	}
	s.log.Warn("action retry scheduled", logx.String("id", rec.ID), logx.Int("attempt", attempts),
		logx.Duration("delay", delay), logx.Err(err))
}

func (s *Service) publish(typ string, rec action.Request) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: rec})
}
