// Package notify is the chat executor backend for send-reminder actions.
//
// Payload keys: "chat_id" (required), "text".
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/executor"
	kit "sendlater/internal/transport"
)

type Backend struct {
	sender kit.Adapter
	log    logx.Logger
}

func New(sender kit.Adapter, log logx.Logger) *Backend {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Backend{sender: sender, log: log}
}

func (b *Backend) Execute(ctx context.Context, kind action.Kind, payload action.Payload) error {
	raw := strings.TrimSpace(payload["chat_id"])
	if raw == "" {
		return executor.Permanent(fmt.Errorf("payload missing chat_id"))
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return executor.Permanent(fmt.Errorf("invalid chat_id %q: %w", raw, err))
	}
	text := payload["text"]
	if strings.TrimSpace(text) == "" {
		text = "⏰ Reminder"
	}

	if _, err := b.sender.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		return fmt.Errorf("send reminder to %d: %w", chatID, err)
	}
	b.log.Debug("reminder delivered", logx.Int64("chat_id", chatID))
	return nil
}
