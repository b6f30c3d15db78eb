// Package dispatch polls the store for due, confirmed actions and hands
// each to its executor backend at most once.
//
// The service keeps no scheduling state of its own: every decision is
// derived from the store, and the store's compare-and-swap update is the
// only coordination primitive. Any number of dispatcher instances can run
// against the same store without double-executing.
package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
	"sendlater/internal/executor"
	"sendlater/internal/store"
)

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	store store.Store
	exec  executor.Backend
	sweep Sweeper
	bus   eventbus.Bus

	queue     chan action.Request
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// fatal is closed when the store becomes unusable; the loop halts and
	// the app is expected to shut down rather than risk lost actions.
	fatal     chan struct{}
	fatalOnce sync.Once

	now func() time.Time
}

func New(cfg Config, st store.Store, exec executor.Backend, sweep Sweeper, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		store: st,
		exec:  exec,
		sweep: sweep,
		bus:   bus,
		fatal: make(chan struct{}),
		now:   time.Now,
	}
}

// Fatal is closed when the dispatcher halted because the store failed.
func (s *Service) Fatal() <-chan struct{} { return s.fatal }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		s.log.Info("dispatcher disabled")
		return
	}
	s.log.Debug("start requested", logx.Int("workers", cur.Workers), logx.Duration("tick", cur.TickInterval))

	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	// Fresh queue per run so a stop/start toggle never executes stale claims.
	s.queue = make(chan action.Request, 64)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue
	workers := s.cfg.Workers

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in dispatch loop", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.loop(runCtx, stopCh, queue)
	}()

	s.log.Info("dispatcher started", logx.Int("workers", workers),
		logx.Duration("tick", s.cfg.TickInterval), logx.Int("max_attempts", s.cfg.MaxAttempts))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

// loop drives the ticks. The first tick runs immediately (after claim
// recovery) so restarts do not add a full interval of latency.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, queue chan<- action.Request) {
	s.recoverStaleClaims(ctx)

	s.mu.Lock()
	interval := s.cfg.TickInterval
	fatalAfter := s.cfg.FatalAfter
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := s.tick(ctx, queue, stopCh); err != nil {
			failures++
			s.log.Error("dispatch tick failed", logx.Err(err), logx.Int("consecutive", failures))
			if failures >= fatalAfter {
				s.halt(err)
				return
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// halt is the store-unavailable path: scheduling stops entirely rather than
// risk lost or duplicated actions, and the operator is told loudly.
func (s *Service) halt(err error) {
	s.log.Error("store unavailable; dispatcher halted", logx.Err(err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFatal, Data: err.Error()})
	}
	s.fatalOnce.Do(func() { close(s.fatal) })
}

// tick expires stale confirmations, then claims and enqueues due actions.
// Per-action failures are isolated; only store scan errors propagate.
func (s *Service) tick(ctx context.Context, queue chan<- action.Request, stopCh <-chan struct{}) error {
	now := s.now().UTC()

	if s.sweep != nil {
		if _, err := s.sweep.ExpireStale(ctx, now); err != nil {
			return err
		}
	}

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return err
	}
	for _, rec := range due {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}

		claimed, err := s.store.Update(ctx, rec.ID, action.StateConfirmed, func(r *action.Request) error {
			r.State = action.StateExecuting
			return nil
		})
		if errors.Is(err, action.ErrStaleState) {
			// Another worker claimed it, or the user cancelled between the
			// scan and the swap. Either way it is no longer ours.
			continue
		}
		if err != nil {
			s.log.Error("claim failed", logx.String("id", rec.ID), logx.Err(err))
			continue
		}

		select {
		case queue <- claimed:
		default:
			// Queue full: release the claim untouched so the next tick
			// picks the action up again. No attempt was made.
			s.release(ctx, claimed.ID)
			s.log.Warn("dispatch queue full; claim released", logx.String("id", claimed.ID))
		}
	}
	return nil
}

// release undoes a claim without consuming the retry budget.
func (s *Service) release(ctx context.Context, id string) {
	_, err := s.store.Update(ctx, id, action.StateExecuting, func(r *action.Request) error {
		r.State = action.StateConfirmed
		return nil
	})
	if err != nil {
		s.log.Error("claim release failed", logx.String("id", id), logx.Err(err))
	}
}

// recoverStaleClaims releases Executing records left behind by a crash
// between claim and acknowledgement. The send may or may not have happened;
// re-running it is the documented residual duplicate risk of a
// non-idempotent backend.
func (s *Service) recoverStaleClaims(ctx context.Context) {
	s.mu.Lock()
	staleAfter := s.cfg.StaleClaim
	s.mu.Unlock()

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		s.log.Error("stale claim scan failed", logx.Err(err))
		return
	}
	cutoff := s.now().UTC().Add(-staleAfter)
	released := 0
	for _, rec := range pending {
		if rec.State != action.StateExecuting || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := s.store.Update(ctx, rec.ID, action.StateExecuting, func(r *action.Request) error {
			r.State = action.StateConfirmed
			return nil
		}); err != nil && !errors.Is(err, action.ErrStaleState) {
			s.log.Error("stale claim release failed", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		released++
	}
	if released > 0 {
		s.log.Warn("released stale claims from previous run", logx.Int("count", released))
	}
}
