// Package app wires the pieces together: config, logging, storage, the
// confirmation workflow, the dispatcher, recurring reminders, and the
// Telegram surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sendlater/internal/action"
	"sendlater/internal/config"
	"sendlater/internal/dispatch"
	"sendlater/internal/eventbus"
	"sendlater/internal/executor"
	"sendlater/internal/executor/mail"
	"sendlater/internal/executor/notify"
	"sendlater/internal/recur"
	rtsup "sendlater/internal/runtime/supervisor"
	"sendlater/internal/store"
	kit "sendlater/internal/transport"
	telegram "sendlater/internal/transport/telegram/adapter"
	"sendlater/internal/transport/telegram/router"
	"sendlater/internal/workflow"
	logx "sendlater/pkg/logx"
)

// StopReason tags shutdown logs with what initiated the stop.
type StopReason string

const (
	StopSignal        StopReason = "signal"
	StopDispatchFatal StopReason = "dispatch_fatal"
)

type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	adapter *telegram.Adapter
	bus     eventbus.Bus
	store   store.Store
	flow    *workflow.Service
	disp    *dispatch.Service
	rec     *recur.Service
	rt      *router.Router

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Logging service mapping.
	// logx.New applies the config immediately; bootstrap with chat mirroring
	// disabled, set the target, then Apply the final config so the first
	// Apply doesn't warn about a missing target.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Chat.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if cfg.Telegram.LogChatID != 0 {
		logSvc.SetChatTarget(cfg.Telegram.LogChatID)
	}
	logSvc.Apply(mapLoggingConfig(cfg))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	wfCfg, err := mapWorkflowConfig(cfg)
	if err != nil {
		return nil, err
	}
	flow := workflow.New(wfCfg, st, bus, log.With(logx.String("comp", "workflow")))

	// Executor backends. Reminders always work (they only need the chat
	// adapter); email needs SMTP credentials.
	registry := executor.NewRegistry()
	registry.Register(action.KindReminder, notify.New(ad, log.With(logx.String("comp", "notify"))))
	if mc := mapMailConfig(cfg); mc.Host != "" {
		registry.Register(action.KindEmail, mail.New(mc, log.With(logx.String("comp", "mail"))))
	} else {
		log.Warn("email backend disabled (email.host not configured)")
	}

	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dc, st, registry, flow, bus, log.With(logx.String("comp", "dispatch")))

	rec := recur.New(mapRecurConfig(cfg), flow, log.With(logx.String("comp", "recur")))

	rt := router.New(log.With(logx.String("comp", "router")), ad, flow, bus, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		adapter: ad,
		bus:     bus,
		store:   st,
		flow:    flow,
		disp:    disp,
		rec:     rec,
		rt:      rt,
		updates: make(chan kit.Update, 128),
	}, nil
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done resolves when the app wants the process to exit (fatal dispatcher
// halt or supervisor-level failure).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.disp != nil {
		a.disp.Start(a.sup.Context())
		// store unavailability halts the dispatcher; take the process down
		// with it rather than keep accepting actions that will never fire.
		a.sup.Go0("dispatch.fatal_watch", func(c context.Context) {
			select {
			case <-c.Done():
			case <-a.disp.Fatal():
				a.log.Error("dispatcher halted; shutting down")
				a.sup.Cancel()
			}
		})
	}

	a.rec.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})
	a.sup.Go("events.render", func(c context.Context) error {
		return a.rt.EventLoop(c)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "storage", "dispatcher", "confirm", "email":
					a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
				}
			}

			// update chat log target first (so Apply() doesn't warn when
			// chat mirroring is enabled)
			a.logs.SetChatTarget(newCfg.Telegram.LogChatID)
			a.logs.Apply(mapLoggingConfig(newCfg))

			a.rt.SetOwners(newCfg.Telegram.OwnerUserIDs)
			a.rec.Apply(mapRecurConfig(newCfg))

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Producers first, then the dispatcher (so in-flight sends finish), then
	// the transport and finally the store.
	step("recur", 3*time.Second, func(c context.Context) error {
		a.rec.Stop(c)
		return nil
	})
	step("dispatch", 10*time.Second, func(c context.Context) error {
		if a.disp != nil {
			a.disp.Stop(c)
		}
		return nil
	})
	step("telegram", 5*time.Second, func(c context.Context) error {
		return a.adapter.Stop(c)
	})

	// Wait for supervisor-owned loops (router, config watch) to unwind.
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_ = a.sup.Wait(wctx)
	cancel()

	step("store", 3*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// validateConfig rejects configs that would break a hot reload.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return fmt.Errorf("telegram.owner_user_ids must not be empty")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkflowConfig(cfg); err != nil {
		return err
	}
	if cfg.Email.Port < 0 || cfg.Email.Port > 65535 {
		return fmt.Errorf("email.port out of range")
	}
	for i, rc := range cfg.Reminders {
		if strings.TrimSpace(rc.Schedule) == "" {
			return fmt.Errorf("reminders[%d].schedule is required", i)
		}
		if rc.ChatID == 0 {
			return fmt.Errorf("reminders[%d].chat_id is required", i)
		}
	}
	return nil
}
