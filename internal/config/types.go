package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "30s", "15m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Confirm    ConfirmConfig    `json:"confirm,omitempty"`
	Email      EmailConfig      `json:"email,omitempty"`
	Reminders  []ReminderConfig `json:"reminders,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives mirrored warning/error log lines (0 disables).
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the action record backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./sendlater.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatcherConfig controls the polling dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - tick_interval: "30s"
//   - exec_timeout: "30s"
//   - max_attempts: 3
//   - retry_base: "1m"
//   - retry_max_delay: "30m"
//   - stale_claim: "5m"
type DispatcherConfig struct {
	Enabled      bool   `json:"enabled"`
	Workers      int    `json:"workers,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
	ExecTimeout  string `json:"exec_timeout,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	RetryBase    string `json:"retry_base,omitempty"`
	RetryMax     string `json:"retry_max_delay,omitempty"`
	StaleClaim   string `json:"stale_claim,omitempty"`
}

// ConfirmConfig controls the approval window for actions that require
// explicit confirmation before they may run.
type ConfirmConfig struct {
	// ApprovalTimeout is how long an action may sit waiting for approval
	// before it is cancelled. Defaults to "15m".
	ApprovalTimeout string `json:"approval_timeout,omitempty"`
}

// EmailConfig configures the SMTP backend for send-email actions.
// Leaving Host empty disables email actions.
type EmailConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"` // default: 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	FromName string `json:"from_name,omitempty"`
}

// ReminderConfig is one recurring reminder definition. Each firing emits a
// fresh auto-confirmed single-shot action; the dispatcher itself has no
// recurrence concept.
//
// Schedule accepts robfig/cron specs, including descriptors like
// "@daily" and "@every 24h".
type ReminderConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	ChatID   int64  `json:"chat_id"`
	Text     string `json:"text"`
	Timezone string `json:"timezone,omitempty"`
}
