// Package mail is the SMTP executor backend for send-email actions.
//
// Payload keys: "to" (required), "subject", "body".
package mail

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"

	logx "sendlater/pkg/logx"

	"sendlater/internal/action"
	"sendlater/internal/executor"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	FromName string
}

type Backend struct {
	cfg Config
	log logx.Logger

	// send is swappable for tests; defaults to smtp.SendMail (STARTTLS +
	// AUTH when the server advertises them).
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func New(cfg Config, log logx.Logger) *Backend {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Backend{cfg: cfg, log: log, send: smtp.SendMail}
}

func (b *Backend) Execute(ctx context.Context, kind action.Kind, payload action.Payload) error {
	to := strings.TrimSpace(payload["to"])
	if to == "" {
		return executor.Permanent(fmt.Errorf("payload missing recipient"))
	}
	if _, err := mail.ParseAddress(to); err != nil {
		// Retrying cannot fix a malformed address.
		return executor.Permanent(fmt.Errorf("invalid recipient %q: %w", to, err))
	}

	msg := buildMessage(b.cfg, to, payload["subject"], payload["body"])
	addr := net.JoinHostPort(b.cfg.Host, fmt.Sprintf("%d", b.cfg.Port))

	var auth smtp.Auth
	if b.cfg.Username != "" {
		auth = smtp.PlainAuth("", b.cfg.Username, b.cfg.Password, b.cfg.Host)
	}

	// smtp.SendMail has no context hook; run it in a goroutine and treat a
	// deadline as a transient failure so the retry policy applies.
	done := make(chan error, 1)
	go func() { done <- b.send(addr, auth, b.cfg.Username, []string{to}, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to, err)
		}
		b.log.Debug("email sent", logx.String("to", to))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", to, ctx.Err())
	}
}

func buildMessage(cfg Config, to, subject, body string) []byte {
	from := cfg.Username
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.Username)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: %s\r\n", sanitizeHeader(subject))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}

// sanitizeHeader strips CR/LF so payload text cannot inject extra headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}
