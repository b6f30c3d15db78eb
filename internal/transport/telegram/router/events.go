package router

import (
	"context"
	"strconv"
	"strings"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
	kit "sendlater/internal/transport"
	logx "sendlater/pkg/logx"
	"sendlater/pkg/tgui"
)

// EventLoop renders core events into chat messages: approval prompts when an
// action enters the confirmation queue, and outcome notices once it resolves.
// Runs until ctx is cancelled.
func (r *Router) EventLoop(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			rec, ok := evt.Data.(action.Request)
			if !ok {
				continue
			}
			switch evt.Type {
			case eventbus.TypeActionPending:
				r.sendPrompt(ctx, rec)
			case eventbus.TypeActionSent:
				r.sendOutcome(ctx, rec, tgui.JoinH(" ", tgui.Esc("✉️ delivered"), tgui.Code(rec.ID)))
			case eventbus.TypeActionFailed:
				r.sendOutcome(ctx, rec, tgui.JoinH(" ",
					tgui.Esc("❌ failed"), tgui.Code(rec.ID),
					tgui.Esc("after "+strconv.Itoa(rec.Attempts)+" attempts:"),
					tgui.I(tgui.TruncRunes(rec.LastError, 120)),
				))
			case eventbus.TypeActionCancelled:
				// Only surface system-initiated cancellations; user cancels
				// already got a reply from their command or button.
				if strings.Contains(rec.LastError, "expired") {
					r.sendOutcome(ctx, rec, tgui.JoinH(" ",
						tgui.Esc("⌛ expired unapproved"), tgui.Code(rec.ID),
					))
				}
			}
		}
	}
}

func (r *Router) sendPrompt(ctx context.Context, rec action.Request) {
	chatID, ok := originChat(rec)
	if !ok {
		r.log.Warn("pending action has no origin chat", logx.String("id", rec.ID))
		return
	}

	kb := tgui.ConfirmInline(
		tgui.Btn("✅ Approve", approveData(rec.ID)),
		tgui.Btn("🚫 Reject", rejectData(rec.ID)),
	)

	text := tgui.JoinH("\n",
		tgui.B("approval needed"),
		renderLine(rec),
		tgui.I("unapproved requests expire automatically"),
	).String()

	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{
		ParseMode:   "HTML",
		ReplyMarkup: kb.Markup(),
	}); err != nil {
		r.log.Warn("approval prompt send failed", logx.String("id", rec.ID), logx.Err(err))
	}
}

func (r *Router) sendOutcome(ctx context.Context, rec action.Request, body tgui.H) {
	chatID, ok := originChat(rec)
	if !ok {
		return
	}
	// Reminders already land in their target chat; skip redundant success
	// notices when origin and target are the same.
	if rec.Kind == action.KindReminder && rec.State == action.StateSent {
		if target := strings.TrimSpace(rec.Payload["chat_id"]); target == strconv.FormatInt(chatID, 10) {
			return
		}
	}
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, body.String(), &kit.SendOptions{ParseMode: "HTML"}); err != nil {
		r.log.Warn("outcome notice send failed", logx.String("id", rec.ID), logx.Err(err))
	}
}

func originChat(rec action.Request) (int64, bool) {
	raw := strings.TrimSpace(rec.Payload[originChatKey])
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
