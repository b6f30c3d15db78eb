package recur

import (
	"context"
	"sync"
	"testing"
	"time"

	"sendlater/internal/action"
	"sendlater/internal/workflow"
	logx "sendlater/pkg/logx"
)

type fakeFlow struct {
	mu      sync.Mutex
	intakes []workflow.Intake
}

func (f *fakeFlow) Accept(_ context.Context, in workflow.Intake) (action.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intakes = append(f.intakes, in)
	return action.Request{ID: "r-1", State: action.StateConfirmed}, nil
}

func (f *fakeFlow) all() []workflow.Intake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.Intake(nil), f.intakes...)
}

func TestFireEmitsAutoConfirmedReminder(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{}
	svc := New(Config{}, flow, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	svc.fire(Entry{Name: "standup", Schedule: "@daily", ChatID: 42, Text: "standup time"})

	got := flow.all()
	if len(got) != 1 {
		t.Fatalf("intakes = %d, want 1", len(got))
	}
	in := got[0]
	if in.Kind != action.KindReminder {
		t.Fatalf("kind = %q", in.Kind)
	}
	if in.When != "now" {
		t.Fatalf("when = %q, want now", in.When)
	}
	if in.RequiresConfirmation {
		t.Fatal("recurring reminders must not require confirmation")
	}
	if in.Payload["chat_id"] != "42" || in.Payload["text"] != "standup time" {
		t.Fatalf("payload = %v", in.Payload)
	}
	if in.Payload["source"] != "recur:standup" {
		t.Fatalf("source = %q", in.Payload["source"])
	}
}

func TestFireAfterStopIsNoop(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{}
	svc := New(Config{}, flow, logx.Nop())
	svc.Start(context.Background())
	svc.Stop(context.Background())

	svc.fire(Entry{Name: "late", Schedule: "@daily", ChatID: 1, Text: "x"})
	if n := len(flow.all()); n != 0 {
		t.Fatalf("intakes after stop = %d, want 0", n)
	}
}

func TestScheduledFiring(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{}
	svc := New(Config{Entries: []Entry{
		{Name: "tick", Schedule: "@every 1s", ChatID: 7, Text: "ping"},
	}}, flow, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for {
		if len(flow.all()) >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("cron never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
