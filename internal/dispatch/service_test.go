package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
	"sendlater/internal/executor"
	"sendlater/internal/store"
)

var testNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

// fakeBackend fails a configurable number of times before succeeding.
type fakeBackend struct {
	mu       sync.Mutex
	failures int
	perm     bool
	calls    int
}

func (f *fakeBackend) Execute(ctx context.Context, kind action.Kind, payload action.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		if f.perm {
			return executor.Permanent(errors.New("invalid recipient"))
		}
		return errors.New("smtp: connection refused")
	}
	return nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	svc   *Service
	store store.Store
	back  *fakeBackend
	queue chan action.Request
	stop  chan struct{}
	now   time.Time
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "actions.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	back := &fakeBackend{}
	env := &testEnv{
		store: st,
		back:  back,
		queue: make(chan action.Request, 16),
		stop:  make(chan struct{}),
		now:   testNow,
	}
	env.svc = New(cfg, st, back, nil, eventbus.New(), logx.Nop())
	env.svc.now = func() time.Time { return env.now }
	return env
}

// drain runs one tick and executes everything it claimed, synchronously.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := e.svc.tick(ctx, e.queue, e.stop); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for {
		select {
		case rec := <-e.queue:
			e.svc.execOne(ctx, rec)
		default:
			return
		}
	}
}

func (e *testEnv) putConfirmed(t *testing.T, id string, trigger time.Time) {
	t.Helper()
	rec := action.Request{
		ID:          id,
		Kind:        action.KindEmail,
		Payload:     action.Payload{"to": "a@example.com"},
		RequestedAt: testNow.Add(-time.Hour),
		TriggerAt:   trigger,
		State:       action.StateConfirmed,
	}
	if err := e.store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestDispatchSendsDueAction(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Enabled: true})
	ctx := context.Background()

	env.putConfirmed(t, "a1", testNow.Add(-time.Minute))
	env.putConfirmed(t, "b1", testNow.Add(time.Hour)) // not due

	env.drain(t)

	got, err := env.store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != action.StateSent || got.Attempts != 1 {
		t.Fatalf("a1 = %s attempts=%d, want sent/1", got.State, got.Attempts)
	}
	if env.back.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", env.back.callCount())
	}

	pending, err := env.store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "b1" {
		t.Fatalf("pending = %+v, want only b1", pending)
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Enabled: true, MaxAttempts: 3, RetryBase: time.Minute, RetryMaxDelay: 30 * time.Minute})
	ctx := context.Background()

	env.back.failures = 2
	env.putConfirmed(t, "a1", testNow.Add(-time.Minute))

	env.drain(t) // attempt 1 fails
	got, _ := env.store.Get(ctx, "a1")
	if got.State != action.StateConfirmed || got.Attempts != 1 || got.LastError == "" {
		t.Fatalf("after attempt 1: %s attempts=%d err=%q", got.State, got.Attempts, got.LastError)
	}
	if want := env.now.Add(time.Minute); !got.TriggerAt.Equal(want) {
		t.Fatalf("retry trigger = %v, want %v", got.TriggerAt, want)
	}

	// Not due again until the backoff elapses.
	env.drain(t)
	if env.back.callCount() != 1 {
		t.Fatalf("executor called before backoff elapsed: %d", env.back.callCount())
	}

	env.now = env.now.Add(2 * time.Minute)
	env.drain(t) // attempt 2 fails, backoff 2m
	got, _ = env.store.Get(ctx, "a1")
	if got.State != action.StateConfirmed || got.Attempts != 2 {
		t.Fatalf("after attempt 2: %s attempts=%d", got.State, got.Attempts)
	}

	env.now = env.now.Add(3 * time.Minute)
	env.drain(t) // attempt 3 succeeds
	got, _ = env.store.Get(ctx, "a1")
	if got.State != action.StateSent || got.Attempts != 3 {
		t.Fatalf("final = %s attempts=%d, want sent/3", got.State, got.Attempts)
	}
	if got.LastError != "" {
		t.Fatalf("LastError = %q, want empty after success", got.LastError)
	}
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Enabled: true, MaxAttempts: 3, RetryBase: time.Minute})
	ctx := context.Background()

	env.back.failures = 100
	env.putConfirmed(t, "a1", testNow.Add(-time.Minute))

	for i := 0; i < 3; i++ {
		env.drain(t)
		env.now = env.now.Add(time.Hour)
	}

	got, _ := env.store.Get(ctx, "a1")
	if got.State != action.StateFailed || got.Attempts != 3 || got.LastError == "" {
		t.Fatalf("final = %s attempts=%d err=%q, want failed/3/non-empty", got.State, got.Attempts, got.LastError)
	}

	// No further dispatch attempts on later ticks.
	calls := env.back.callCount()
	env.drain(t)
	if env.back.callCount() != calls {
		t.Fatalf("executor called on failed action: %d -> %d", calls, env.back.callCount())
	}
}

func TestDispatchPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Enabled: true, MaxAttempts: 3})
	ctx := context.Background()

	env.back.failures = 100
	env.back.perm = true
	env.putConfirmed(t, "a1", testNow.Add(-time.Minute))

	env.drain(t)

	got, _ := env.store.Get(ctx, "a1")
	if got.State != action.StateFailed || got.Attempts != 1 {
		t.Fatalf("permanent failure = %s attempts=%d, want failed/1", got.State, got.Attempts)
	}
}

func TestRecoverStaleClaims(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Enabled: true, StaleClaim: 5 * time.Minute})
	ctx := context.Background()

	env.putConfirmed(t, "a1", testNow.Add(-time.Hour))
	// Claimed by a previous process that crashed.
	if _, err := env.store.Update(ctx, "a1", action.StateConfirmed, func(r *action.Request) error {
		r.State = action.StateExecuting
		return nil
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Too fresh to recover.
	env.svc.recoverStaleClaims(ctx)
	got, _ := env.store.Get(ctx, "a1")
	if got.State != action.StateExecuting {
		t.Fatalf("fresh claim released: %s", got.State)
	}

	env.now = env.now.Add(10 * time.Minute)
	env.svc.recoverStaleClaims(ctx)
	got, _ = env.store.Get(ctx, "a1")
	if got.State != action.StateConfirmed {
		t.Fatalf("stale claim not released: %s", got.State)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 30 * time.Minute}, // capped
		{10, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestStartStopRoundtrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Enabled: true, TickInterval: 10 * time.Millisecond, Workers: 2})
	env.svc.now = time.Now // real clock for the live loop

	rec := action.Request{
		ID:          "live1",
		Kind:        action.KindReminder,
		RequestedAt: time.Now().UTC().Add(-time.Minute),
		TriggerAt:   time.Now().UTC().Add(-time.Second),
		State:       action.StateConfirmed,
	}
	if err := env.store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx := context.Background()
	env.svc.Start(ctx)
	defer env.svc.Stop(ctx)

	deadline := time.After(3 * time.Second)
	for {
		got, err := env.store.Get(ctx, "live1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State == action.StateSent {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("action not sent; state = %s", got.State)
		case <-time.After(20 * time.Millisecond):
		}
	}

	env.svc.Stop(ctx)
	// Second Stop is a no-op.
	env.svc.Stop(ctx)
}
