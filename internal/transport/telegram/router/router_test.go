package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
	kit "sendlater/internal/transport"
	"sendlater/internal/workflow"
	logx "sendlater/pkg/logx"
)

type sentMsg struct {
	Chat   kit.ChatTarget
	Text   string
	Markup bool
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentMsg
	edits []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{Chat: to, Text: text, Markup: opt != nil && opt.ReplyMarkup != nil})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) lastSent(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeFlow struct {
	mu       sync.Mutex
	intakes  []workflow.Intake
	accepted action.Request

	approved  []string
	cancelled []string
	cancelErr error
}

func (f *fakeFlow) Accept(_ context.Context, in workflow.Intake) (action.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intakes = append(f.intakes, in)
	return f.accepted, nil
}

func (f *fakeFlow) Approve(_ context.Context, id string) (action.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, id)
	return action.Request{ID: id, State: action.StateConfirmed}, nil
}

func (f *fakeFlow) Cancel(_ context.Context, id string) (action.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return action.Request{}, f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return action.Request{ID: id, State: action.StateCancelled}, nil
}

func (f *fakeFlow) ListPending(context.Context) ([]action.Request, error) {
	return nil, nil
}

func (f *fakeFlow) Lookup(_ context.Context, id string) (action.Request, error) {
	return action.Request{ID: id, State: action.StateSent}, nil
}

const ownerID = int64(100)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never satisfied")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newTestRouter(flow *fakeFlow) (*Router, *fakeAdapter, eventbus.Bus) {
	ad := &fakeAdapter{}
	bus := eventbus.New()
	r := New(logx.Nop(), ad, flow, bus, []int64{ownerID})
	return r, ad, bus
}

// drain runs every queued handler job synchronously.
func drain(r *Router) {
	for {
		select {
		case job := <-r.jobs:
			job()
		default:
			return
		}
	}
}

func msgUpdate(from int64, text string) kit.Update {
	return kit.Update{
		Kind:    kit.UpdateMessage,
		Message: &kit.Message{ID: 1, ChatID: 55, FromID: from, Text: text},
	}
}

func TestEmailIntake(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{accepted: action.Request{ID: "a1", State: action.StatePending}}
	r, _, _ := newTestRouter(flow)

	r.routeMessage(context.Background(), msgUpdate(ownerID, `/email bob@example.com "weekly report" "see attached" --at 18:00`))
	drain(r)

	if len(flow.intakes) != 1 {
		t.Fatalf("intakes = %d, want 1", len(flow.intakes))
	}
	in := flow.intakes[0]
	if in.Kind != action.KindEmail {
		t.Fatalf("kind = %q", in.Kind)
	}
	if !in.RequiresConfirmation {
		t.Fatal("emails must require confirmation")
	}
	if in.When != "18:00" {
		t.Fatalf("when = %q", in.When)
	}
	if in.Payload["to"] != "bob@example.com" || in.Payload["subject"] != "weekly report" || in.Payload["body"] != "see attached" {
		t.Fatalf("payload = %v", in.Payload)
	}
	if in.Payload["origin_chat"] != "55" {
		t.Fatalf("origin_chat = %q", in.Payload["origin_chat"])
	}
}

func TestRemindDefaultsToAutoConfirm(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{accepted: action.Request{ID: "a2", State: action.StateConfirmed}}
	r, ad, _ := newTestRouter(flow)

	r.routeMessage(context.Background(), msgUpdate(ownerID, "/remind +45m drink water"))
	drain(r)

	if len(flow.intakes) != 1 {
		t.Fatalf("intakes = %d, want 1", len(flow.intakes))
	}
	in := flow.intakes[0]
	if in.Kind != action.KindReminder || in.RequiresConfirmation {
		t.Fatalf("intake = %+v", in)
	}
	if in.When != "+45m" || in.Payload["text"] != "drink water" || in.Payload["chat_id"] != "55" {
		t.Fatalf("intake = %+v", in)
	}
	if !strings.Contains(ad.lastSent(t).Text, "scheduled") {
		t.Fatalf("reply = %q", ad.lastSent(t).Text)
	}
}

func TestNonOwnerIsRejected(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{}
	r, ad, _ := newTestRouter(flow)

	r.routeMessage(context.Background(), msgUpdate(999, "/remind +1h nope"))
	drain(r)

	if len(flow.intakes) != 0 {
		t.Fatal("non-owner intake accepted")
	}
	if ad.lastSent(t).Text != "unauthorized" {
		t.Fatalf("reply = %q", ad.lastSent(t).Text)
	}
}

func TestHelpIsPublic(t *testing.T) {
	t.Parallel()

	r, ad, _ := newTestRouter(&fakeFlow{})
	r.routeMessage(context.Background(), msgUpdate(999, "/help"))
	drain(r)

	if !strings.Contains(ad.lastSent(t).Text, "/remind") {
		t.Fatalf("help = %q", ad.lastSent(t).Text)
	}
}

func TestApproveCallback(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{}
	r, ad, _ := newTestRouter(flow)

	up := kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb1", ChatID: 55, FromID: ownerID, MessageID: 9, Data: approveData("a3")},
	}
	r.routeCallback(context.Background(), up)
	drain(r)

	if len(flow.approved) != 1 || flow.approved[0] != "a3" {
		t.Fatalf("approved = %v", flow.approved)
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.edits) != 1 || !strings.Contains(ad.edits[0], "approved") {
		t.Fatalf("edits = %v", ad.edits)
	}
}

func TestRejectCallbackFromNonOwner(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{}
	r, _, _ := newTestRouter(flow)

	up := kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb2", ChatID: 55, FromID: 999, MessageID: 9, Data: rejectData("a4")},
	}
	r.routeCallback(context.Background(), up)
	drain(r)

	if len(flow.cancelled) != 0 {
		t.Fatal("non-owner was allowed to reject")
	}
}

func TestEventLoopRendersApprovalPrompt(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{}
	r, ad, bus := newTestRouter(flow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.EventLoop(ctx)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.TypeActionPending, Data: action.Request{
		ID:      "a5",
		Kind:    action.KindEmail,
		State:   action.StatePending,
		Payload: action.Payload{"to": "bob@example.com", "subject": "hi", "origin_chat": "55"},
	}})

	waitFor(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.sent) > 0
	})
	cancel()
	<-done

	got := ad.lastSent(t)
	if got.Chat.ChatID != 55 {
		t.Fatalf("chat = %d", got.Chat.ChatID)
	}
	if !got.Markup {
		t.Fatal("prompt has no inline keyboard")
	}
	if !strings.Contains(got.Text, "approval needed") {
		t.Fatalf("prompt = %q", got.Text)
	}
}
