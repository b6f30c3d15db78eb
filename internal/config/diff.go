package config

import (
	"reflect"
	logx "sendlater/pkg/logx"
	"sort"
	"strings"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens or SMTP
// passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Chat != newCfg.Logging.Chat {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		(strings.TrimSpace(oldCfg.Storage.Path) != "") != (strings.TrimSpace(newCfg.Storage.Path) != "") ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Dispatcher
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled),
			logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers),
			logx.String("dispatcher.tick_interval", strings.TrimSpace(newCfg.Dispatcher.TickInterval)),
			logx.Int("dispatcher.max_attempts", newCfg.Dispatcher.MaxAttempts),
		)
	}

	// Confirm
	if strings.TrimSpace(oldCfg.Confirm.ApprovalTimeout) != strings.TrimSpace(newCfg.Confirm.ApprovalTimeout) {
		changed = append(changed, "confirm")
		attrs = append(attrs,
			logx.String("confirm.approval_timeout", strings.TrimSpace(newCfg.Confirm.ApprovalTimeout)),
		)
	}

	// Email (never log credentials)
	if strings.TrimSpace(oldCfg.Email.Host) != strings.TrimSpace(newCfg.Email.Host) ||
		oldCfg.Email.Port != newCfg.Email.Port ||
		strings.TrimSpace(oldCfg.Email.Username) != strings.TrimSpace(newCfg.Email.Username) ||
		(strings.TrimSpace(oldCfg.Email.Password) != "") != (strings.TrimSpace(newCfg.Email.Password) != "") ||
		strings.TrimSpace(oldCfg.Email.FromName) != strings.TrimSpace(newCfg.Email.FromName) {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.configured", strings.TrimSpace(newCfg.Email.Host) != ""),
			logx.Int("email.port", newCfg.Email.Port),
			logx.Bool("email.password_set", strings.TrimSpace(newCfg.Email.Password) != ""),
		)
	}

	// Reminders (summarize only; details at debug)
	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs, logx.Int("reminders.count", len(newCfg.Reminders)))
	}

	sort.Strings(changed)
	return changed, attrs
}
