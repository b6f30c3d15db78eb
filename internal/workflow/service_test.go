package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
	"sendlater/internal/store"
)

var testNow = time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, store.Store, eventbus.Bus) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "actions.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := eventbus.New()
	svc := New(Config{ApprovalTimeout: 15 * time.Minute}, st, bus, logx.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, st, bus
}

func TestAcceptWithConfirmation(t *testing.T) {
	t.Parallel()
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	events, unsub := bus.Subscribe(8)
	defer unsub()

	rec, err := svc.Accept(ctx, Intake{
		Kind:                 action.KindEmail,
		Payload:              action.Payload{"to": "a@example.com"},
		When:                 "+1h",
		RequiresConfirmation: true,
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if rec.State != action.StatePending {
		t.Fatalf("state = %s, want pending_confirmation", rec.State)
	}
	if want := testNow.Add(time.Hour); !rec.TriggerAt.Equal(want) {
		t.Fatalf("TriggerAt = %v, want %v", rec.TriggerAt, want)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TypeActionPending {
			t.Fatalf("event = %s, want action.pending", e.Type)
		}
	default:
		t.Fatal("no preview event published")
	}

	got, err := svc.Approve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.State != action.StateConfirmed {
		t.Fatalf("state after approve = %s", got.State)
	}
	if !got.TriggerAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("TriggerAt changed on approve: %v", got.TriggerAt)
	}

	// Approving twice is an invalid transition.
	if _, err := svc.Approve(ctx, rec.ID); !errors.Is(err, action.ErrInvalidTransition) {
		t.Fatalf("second Approve = %v, want ErrInvalidTransition", err)
	}
}

func TestAcceptAutoConfirmed(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	rec, err := svc.Accept(context.Background(), Intake{
		Kind: action.KindReminder,
		When: "now",
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if rec.State != action.StateConfirmed {
		t.Fatalf("state = %s, want confirmed", rec.State)
	}
	if !rec.TriggerAt.Equal(testNow) {
		t.Fatalf("TriggerAt = %v, want %v", rec.TriggerAt, testNow)
	}
}

func TestAcceptRejectsBadTimes(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Accept(ctx, Intake{Kind: action.KindEmail, When: "whenever"})
	if !errors.Is(err, action.ErrUnresolvableTime) {
		t.Fatalf("Accept(whenever) = %v, want ErrUnresolvableTime", err)
	}
	past := testNow.Add(-time.Hour).Format(time.RFC3339)
	_, err = svc.Accept(ctx, Intake{Kind: action.KindEmail, When: past})
	if !errors.Is(err, action.ErrPastTime) {
		t.Fatalf("Accept(past) = %v, want ErrPastTime", err)
	}

	// Nothing was persisted.
	pending, err := st.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after rejected intakes = %d, want 0", len(pending))
	}
}

func TestExpireStale(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Accept(ctx, Intake{
		Kind:                 action.KindEmail,
		When:                 "+2h",
		RequiresConfirmation: true,
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Inside the window: nothing expires.
	n, err := svc.ExpireStale(ctx, testNow.Add(10*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("ExpireStale(inside) = %d, %v", n, err)
	}

	n, err = svc.ExpireStale(ctx, testNow.Add(16*time.Minute))
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	got, err := svc.Lookup(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.State != action.StateCancelled || got.LastError != "confirmation expired" {
		t.Fatalf("record after expiry = %s (%q)", got.State, got.LastError)
	}
}

func TestCancelStates(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Accept(ctx, Intake{Kind: action.KindEmail, When: "+1h", RequiresConfirmation: true})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	got, err := svc.Cancel(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.State != action.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}

	// Cancelling an already-cancelled record is AlreadyTerminal and the
	// record is untouched.
	before, _ := st.Get(ctx, rec.ID)
	if _, err := svc.Cancel(ctx, rec.ID); !errors.Is(err, action.ErrAlreadyTerminal) {
		t.Fatalf("second Cancel = %v, want ErrAlreadyTerminal", err)
	}
	after, _ := st.Get(ctx, rec.ID)
	if after.Attempts != before.Attempts || after.LastError != before.LastError {
		t.Fatalf("cancel of terminal record mutated it: %+v vs %+v", after, before)
	}

	if _, err := svc.Cancel(ctx, "missing"); !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("Cancel(missing) = %v, want ErrNotFound", err)
	}
}

func TestCancelWhileExecuting(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Accept(ctx, Intake{Kind: action.KindEmail, When: "now"})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Simulate a dispatcher claim.
	if _, err := st.Update(ctx, rec.ID, action.StateConfirmed, func(r *action.Request) error {
		r.State = action.StateExecuting
		return nil
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := svc.Cancel(ctx, rec.ID); !errors.Is(err, action.ErrAlreadyExecuting) {
		t.Fatalf("Cancel(executing) = %v, want ErrAlreadyExecuting", err)
	}
	got, _ := st.Get(ctx, rec.ID)
	if got.State != action.StateExecuting {
		t.Fatalf("state = %s, want executing", got.State)
	}
}
