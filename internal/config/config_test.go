package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return p
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "config.json", `{
		"telegram": {"token": "t", "owner_user_ids": [1, 2]},
		"logging": {"level": "debug", "console": true},
		"storage": {"driver": "sqlite", "path": "./a.db"},
		"dispatcher": {"enabled": true, "workers": 4, "tick_interval": "10s"},
		"confirm": {"approval_timeout": "5m"},
		"reminders": [{"name": "hi", "schedule": "@daily", "chat_id": 9, "text": "hello"}]
	}`)

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "t" || len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Errorf("telegram section: %+v", cfg.Telegram)
	}
	if cfg.Dispatcher.Workers != 4 || cfg.Dispatcher.TickInterval != "10s" {
		t.Errorf("dispatcher section: %+v", cfg.Dispatcher)
	}
	if len(cfg.Reminders) != 1 || cfg.Reminders[0].ChatID != 9 {
		t.Errorf("reminders section: %+v", cfg.Reminders)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "config.yaml", `
telegram:
  token: t
  owner_user_ids: [1]
logging:
  level: info
  console: true
storage:
  driver: file
  path: ./actions.jsonl
dispatcher:
  enabled: true
`)

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path != "./actions.jsonl" {
		t.Errorf("storage section: %+v", cfg.Storage)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		body string
	}{
		{"unknown field", "config.json", `{"telegram": {"token": "t"}, "nope": 1}`},
		{"trailing data", "config.json", `{"telegram": {"token": "t"}} {"extra": true}`},
		{"malformed yaml", "config.yaml", "telegram: [unclosed"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := writeTemp(t, tc.file, tc.body)
			if _, err := NewConfigManager(p).Parse(); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Telegram:   TelegramConfig{Token: "secret-a", OwnerUserIDs: []int64{1}},
		Logging:    LoggingConfig{Level: "info"},
		Dispatcher: DispatcherConfig{Enabled: true, Workers: 2},
		Email:      EmailConfig{Host: "smtp.example.com", Password: "hunter2"},
	}
	newCfg := &Config{
		Telegram:   TelegramConfig{Token: "secret-b", OwnerUserIDs: []int64{1, 2}},
		Logging:    LoggingConfig{Level: "debug"},
		Dispatcher: DispatcherConfig{Enabled: true, Workers: 8},
		Email:      EmailConfig{Host: "smtp.example.com", Password: "hunter3"},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)

	want := map[string]bool{"telegram": true, "logging": true, "dispatcher": true}
	for _, sec := range changed {
		if !want[sec] {
			t.Errorf("unexpected changed section %q", sec)
		}
		delete(want, sec)
	}
	for sec := range want {
		t.Errorf("missing changed section %q", sec)
	}

	// Secrets must never leak into attrs, even when only they changed.
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	for _, secret := range []string{"secret-a", "secret-b", "hunter2", "hunter3"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("secret %q leaked into log attrs: %s", secret, buf.String())
		}
	}
}

func TestSummarizeConfigChangeNoChanges(t *testing.T) {
	t.Parallel()

	cfg := &Config{Telegram: TelegramConfig{Token: "t"}}
	changed, _ := SummarizeConfigChange(cfg, cfg)
	if len(changed) != 0 {
		t.Errorf("expected no changed sections, got %v", changed)
	}
}
