package app

import (
	"fmt"
	"strings"

	"sendlater/internal/config"
	"sendlater/internal/dispatch"
	"sendlater/internal/executor/mail"
	"sendlater/internal/recur"
	"sendlater/internal/store"
	"sendlater/internal/workflow"
	logx "sendlater/pkg/logx"
)

// mapStorageConfig translates the on-disk storage section into a store.Config.
func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "file", "sqlite", "sqlite3":
	default:
		return store.Config{}, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return store.Config{}, fmt.Errorf("storage.path is required")
	}
	return store.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, error) {
	tick, err := config.ParseDurationField("dispatcher.tick_interval", cfg.Dispatcher.TickInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	exec, err := config.ParseDurationField("dispatcher.exec_timeout", cfg.Dispatcher.ExecTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationField("dispatcher.retry_base", cfg.Dispatcher.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	max, err := config.ParseDurationField("dispatcher.retry_max_delay", cfg.Dispatcher.RetryMax)
	if err != nil {
		return dispatch.Config{}, err
	}
	stale, err := config.ParseDurationField("dispatcher.stale_claim", cfg.Dispatcher.StaleClaim)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cfg.Dispatcher.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if cfg.Dispatcher.MaxAttempts < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.max_attempts must be >= 0")
	}
	return dispatch.Config{
		Enabled:       cfg.Dispatcher.Enabled,
		Workers:       cfg.Dispatcher.Workers,
		TickInterval:  tick,
		ExecTimeout:   exec,
		MaxAttempts:   cfg.Dispatcher.MaxAttempts,
		RetryBase:     base,
		RetryMaxDelay: max,
		StaleClaim:    stale,
	}, nil
}

func mapWorkflowConfig(cfg *config.Config) (workflow.Config, error) {
	d, err := config.ParseDurationField("confirm.approval_timeout", cfg.Confirm.ApprovalTimeout)
	if err != nil {
		return workflow.Config{}, err
	}
	return workflow.Config{ApprovalTimeout: d}, nil
}

func mapMailConfig(cfg *config.Config) mail.Config {
	return mail.Config{
		Host:     strings.TrimSpace(cfg.Email.Host),
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		FromName: cfg.Email.FromName,
	}
}

func mapRecurConfig(cfg *config.Config) recur.Config {
	out := recur.Config{Entries: make([]recur.Entry, 0, len(cfg.Reminders))}
	for _, rc := range cfg.Reminders {
		out.Entries = append(out.Entries, recur.Entry{
			Name:     rc.Name,
			Schedule: rc.Schedule,
			ChatID:   rc.ChatID,
			Text:     rc.Text,
			Timezone: rc.Timezone,
		})
	}
	return out
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}
