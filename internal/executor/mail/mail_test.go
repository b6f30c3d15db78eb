package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/executor"
)

func TestExecuteBuildsAndSends(t *testing.T) {
	t.Parallel()
	b := New(Config{Host: "smtp.example.com", Port: 587, Username: "bot@example.com", FromName: "Assistant"}, logx.Nop())

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	b.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := b.Execute(context.Background(), action.KindEmail, action.Payload{
		"to":      "alice@example.com",
		"subject": "Weekly report\r\nBcc: attacker@example.com",
		"body":    "hello",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "bot@example.com" {
		t.Fatalf("addr/from = %s/%s", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "alice@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	msg := string(gotMsg)
	if strings.Contains(msg, "Bcc:") {
		t.Fatalf("header injection not sanitized:\n%s", msg)
	}
	if !strings.Contains(msg, "From: Assistant <bot@example.com>") || !strings.HasSuffix(msg, "\r\n\r\nhello") {
		t.Fatalf("unexpected message:\n%s", msg)
	}
}

func TestExecuteInvalidRecipientIsPermanent(t *testing.T) {
	t.Parallel()
	b := New(Config{Host: "smtp.example.com"}, logx.Nop())
	b.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send called for invalid recipient")
		return nil
	}

	for _, to := range []string{"", "not-an-address"} {
		err := b.Execute(context.Background(), action.KindEmail, action.Payload{"to": to})
		if !executor.IsPermanent(err) {
			t.Errorf("Execute(to=%q) = %v, want permanent", to, err)
		}
	}
}

func TestExecuteTransportErrorIsTransient(t *testing.T) {
	t.Parallel()
	b := New(Config{Host: "smtp.example.com"}, logx.Nop())
	b.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := b.Execute(context.Background(), action.KindEmail, action.Payload{"to": "a@example.com"})
	if err == nil || executor.IsPermanent(err) {
		t.Fatalf("Execute = %v, want transient error", err)
	}
}
