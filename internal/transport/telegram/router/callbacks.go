package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"sendlater/internal/action"
	kit "sendlater/internal/transport"
	logx "sendlater/pkg/logx"
	"sendlater/pkg/tgui"
)

// Callback data layout: "act:ok:<id>" approves, "act:no:<id>" rejects.
// Telegram caps callback_data at 64 bytes; uuid ids fit with room to spare.
const (
	cbScope   = "act"
	cbApprove = "ok"
	cbReject  = "no"
)

func approveData(id string) string { return tgui.Data(cbScope, cbApprove, id) }
func rejectData(id string) string  { return tgui.Data(cbScope, cbReject, id) }

func (r *Router) routeCallback(root context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	scope, verb, id := tgui.SplitData(strings.TrimSpace(cb.Data))
	if scope != cbScope || id == "" {
		return
	}
	if verb != cbApprove && verb != cbReject {
		return
	}

	// Approval buttons are operational actions: owner-only, always.
	owners := r.ownersSnapshot()
	if !isOwner(cb.FromID, owners) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}

	rid := newReqID()
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", cb.ChatID),
		logx.Int64("from_id", cb.FromID),
		logx.String("cmd", "cb:"+verb),
	)
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID},
		FromID:  cb.FromID,
		Command: "cb:" + verb,
		Payload: id,
		ReqID:   rid,
		Adapter: r.adapter,
		Flow:    r.flow,
		Logger:  reqLog,
		Owners:  owners,
	}

	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	var h HandlerFunc
	if verb == cbApprove {
		h = func(ctx context.Context, rq *Request) error { return r.handleApprove(ctx, rq, ref, id) }
	} else {
		h = func(ctx context.Context, rq *Request) error { return r.handleReject(ctx, rq, ref, id) }
	}

	final := Chain(
		h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(15*time.Second),
	)

	if !r.tryEnqueue(func() {
		_ = final(root, req)
		// best-effort to stop "loading" UI
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (r *Router) handleApprove(ctx context.Context, req *Request, ref kit.MessageRef, id string) error {
	rec, err := req.Flow.Approve(ctx, id)
	if err != nil {
		if errors.Is(err, action.ErrInvalidTransition) || errors.Is(err, action.ErrNotFound) {
			// Expired, already decided, or gone: refresh the prompt to its
			// current truth instead of erroring at the user.
			return r.refreshPrompt(ctx, req, ref, id)
		}
		return err
	}

	text := tgui.JoinH("\n",
		tgui.JoinH(" ", tgui.Esc("✅ approved"), tgui.Code(rec.ID)),
		tgui.JoinH(" ", tgui.B("fires:"), tgui.Esc(humanTime(rec.TriggerAt))),
	).String()
	return req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: "HTML"})
}

func (r *Router) handleReject(ctx context.Context, req *Request, ref kit.MessageRef, id string) error {
	rec, err := req.Flow.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, action.ErrAlreadyTerminal) || errors.Is(err, action.ErrAlreadyExecuting) || errors.Is(err, action.ErrNotFound) {
			return r.refreshPrompt(ctx, req, ref, id)
		}
		return err
	}

	text := tgui.JoinH(" ", tgui.Esc("🚫 rejected"), tgui.Code(rec.ID)).String()
	return req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: "HTML"})
}

// refreshPrompt replaces a stale approval prompt with the action's current
// state so double-taps and expired confirmations resolve quietly.
func (r *Router) refreshPrompt(ctx context.Context, req *Request, ref kit.MessageRef, id string) error {
	rec, err := req.Flow.Lookup(ctx, id)
	if err != nil {
		return req.Adapter.EditText(ctx, ref, "this request no longer exists", nil)
	}
	text := tgui.JoinH(" ",
		tgui.Code(rec.ID),
		tgui.Esc("is "+string(rec.State)),
	).String()
	return req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: "HTML"})
}
