package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sendlater/internal/action"
	kit "sendlater/internal/transport"
	"sendlater/internal/workflow"
	"sendlater/pkg/tgui"
)

// originChatKey carries the requesting chat inside the action payload so
// confirmation prompts and outcome notices land where the command came from.
const originChatKey = "origin_chat"

func (r *Router) registerCommands() {
	r.register(Command{
		Name:        "start",
		Description: "introduce the bot",
		Usage:       "/start",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			text := tgui.JoinH("\n",
				tgui.B("sendlater"),
				tgui.Esc("I schedule emails and reminders for later delivery."),
				tgui.Esc("Try /help for the command list."),
			).String()
			_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML"})
			return err
		},
	})

	r.register(Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show this help",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, r.helpText(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			return err
		},
	})

	r.register(Command{
		Name:        "email",
		Description: "schedule an email (asks for approval first)",
		Usage:       `/email <to> "<subject>" "<body>" [--at <when>]`,
		Access:      AccessOwnerOnly,
		Timeout:     15 * time.Second,
		Handle:      handleEmail,
	})

	r.register(Command{
		Name:        "remind",
		Aliases:     []string{"r"},
		Description: "schedule a reminder in this chat",
		Usage:       "/remind <when> <text...> [--confirm]",
		Access:      AccessOwnerOnly,
		Timeout:     15 * time.Second,
		Handle:      handleRemind,
	})

	r.register(Command{
		Name:        "pending",
		Description: "list actions waiting for approval",
		Usage:       "/pending",
		Access:      AccessOwnerOnly,
		Timeout:     15 * time.Second,
		Handle:      handlePending,
	})

	r.register(Command{
		Name:        "cancel",
		Description: "cancel a scheduled action by id",
		Usage:       "/cancel <id>",
		Access:      AccessOwnerOnly,
		Timeout:     15 * time.Second,
		Handle:      handleCancel,
	})
}

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	parts := []tgui.H{tgui.B("commands")}
	for _, name := range r.names {
		c := r.cmds[name]
		if c == nil {
			continue
		}
		parts = append(parts, tgui.JoinH(" — ", tgui.Code(c.Usage), tgui.Esc(c.Description)))
	}
	parts = append(parts, tgui.Raw(""),
		tgui.JoinH(" ", tgui.B("when:"), tgui.Esc(`"now", "18:30" (next occurrence), "+45m", or RFC3339`)))
	return tgui.JoinH("\n", parts...).String()
}

func handleEmail(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		return replyUsage(ctx, req, `/email <to> "<subject>" "<body>" [--at <when>]`)
	}
	to := req.Args[0]
	subject := req.Args[1]
	body := strings.Join(req.Args[2:], " ")
	when := strings.TrimSpace(req.Flags["at"])
	if when == "" {
		when = "now"
	}

	rec, err := req.Flow.Accept(ctx, workflow.Intake{
		Kind: action.KindEmail,
		Payload: action.Payload{
			"to":          to,
			"subject":     subject,
			"body":        body,
			originChatKey: strconv.FormatInt(req.Chat.ChatID, 10),
		},
		When:                 when,
		RequiresConfirmation: true,
	})
	if err != nil {
		return replyIntakeError(ctx, req, err)
	}

	// The confirmation prompt (with approve/reject buttons) is rendered by
	// the event loop; acknowledge intake here.
	if rec.State == action.StateConfirmed {
		return replyScheduled(ctx, req, rec)
	}
	return nil
}

func handleRemind(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return replyUsage(ctx, req, "/remind <when> <text...> [--confirm]")
	}
	when := req.Args[0]
	text := strings.Join(req.Args[1:], " ")

	chatID := req.Chat.ChatID
	if raw := strings.TrimSpace(req.Flags["chat"]); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return replyUsage(ctx, req, "--chat must be a numeric chat id")
		}
		chatID = id
	}

	rec, err := req.Flow.Accept(ctx, workflow.Intake{
		Kind: action.KindReminder,
		Payload: action.Payload{
			"chat_id":     strconv.FormatInt(chatID, 10),
			"text":        text,
			originChatKey: strconv.FormatInt(req.Chat.ChatID, 10),
		},
		When:                 when,
		RequiresConfirmation: req.Bools["confirm"],
	})
	if err != nil {
		return replyIntakeError(ctx, req, err)
	}
	if rec.State == action.StateConfirmed {
		return replyScheduled(ctx, req, rec)
	}
	return nil
}

func handlePending(ctx context.Context, req *Request) error {
	recs, err := req.Flow.ListPending(ctx)
	if err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "listing failed: "+err.Error(), nil)
		return err
	}
	if len(recs) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "nothing waiting for approval", nil)
		return err
	}

	parts := []tgui.H{tgui.B("waiting for approval")}
	for _, rec := range recs {
		parts = append(parts, renderLine(rec))
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, tgui.JoinH("\n", parts...).String(), &kit.SendOptions{ParseMode: "HTML"})
	return err
}

func handleCancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return replyUsage(ctx, req, "/cancel <id>")
	}
	id := req.Args[0]

	rec, err := req.Flow.Cancel(ctx, id)
	switch {
	case err == nil:
		text := tgui.JoinH(" ", tgui.Esc("🚫 cancelled"), tgui.Code(rec.ID)).String()
		_, err = req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML"})
		return err
	case errors.Is(err, action.ErrAlreadyExecuting):
		_, _ = req.Adapter.SendText(ctx, req.Chat, "too late: the action is already executing", nil)
		return nil
	case errors.Is(err, action.ErrAlreadyTerminal):
		_, _ = req.Adapter.SendText(ctx, req.Chat, "already finished, nothing to cancel", nil)
		return nil
	case errors.Is(err, action.ErrNotFound):
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no action with that id", nil)
		return nil
	default:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "cancel failed: "+err.Error(), nil)
		return err
	}
}

func replyUsage(ctx context.Context, req *Request, usage string) error {
	text := tgui.JoinH(" ", tgui.Esc("usage:"), tgui.Code(usage)).String()
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML"})
	return err
}

func replyIntakeError(ctx context.Context, req *Request, err error) error {
	var msg string
	switch {
	case errors.Is(err, action.ErrPastTime):
		msg = "that time is already in the past"
	case errors.Is(err, action.ErrUnresolvableTime):
		msg = `cannot understand that time; try "now", "18:30", "+45m", or RFC3339`
	default:
		msg = "could not schedule: " + err.Error()
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, msg, nil)
	// Intake errors are user errors; the request itself succeeded.
	return nil
}

func replyScheduled(ctx context.Context, req *Request, rec action.Request) error {
	text := tgui.JoinH("\n",
		tgui.JoinH(" ", tgui.Esc("✅ scheduled"), tgui.Code(rec.ID)),
		tgui.JoinH(" ", tgui.B("fires:"), tgui.Esc(humanTime(rec.TriggerAt))),
	).String()
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML"})
	return err
}

func renderLine(rec action.Request) tgui.H {
	return tgui.JoinH(" ",
		tgui.Code(rec.ID),
		tgui.Esc(string(rec.Kind)),
		tgui.Esc("→ "+summarizePayload(rec)),
		tgui.I("fires "+humanTime(rec.TriggerAt)),
	)
}

func summarizePayload(rec action.Request) string {
	switch rec.Kind {
	case action.KindEmail:
		return fmt.Sprintf("%s (%s)", rec.Payload["to"], tgui.TruncRunes(rec.Payload["subject"], 40))
	case action.KindReminder:
		return tgui.TruncRunes(rec.Payload["text"], 60)
	default:
		return string(rec.Kind)
	}
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "unscheduled"
	}
	d := time.Until(t)
	if d > -time.Second && d < time.Second {
		return "now"
	}
	if d > 0 {
		return fmt.Sprintf("%s (in %s)", t.UTC().Format("2006-01-02 15:04 MST"), d.Round(time.Second))
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}
