// Package recur turns recurring reminder definitions into single-shot
// actions. Each cron firing submits a fresh auto-confirmed intake that is
// due immediately; the dispatcher and store treat it like any other action,
// so recurrence never leaks into the core.
package recur

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sendlater/internal/action"
	"sendlater/internal/workflow"
	logx "sendlater/pkg/logx"
)

// Entry is one recurring reminder definition.
type Entry struct {
	Name     string
	Schedule string // cron spec, "@daily", "@every 6h", ...
	ChatID   int64
	Text     string
	Timezone string // optional, e.g. "Asia/Jakarta"
}

type Config struct {
	Entries []Entry
}

// IntakePort is the slice of the workflow the emitter needs.
type IntakePort interface {
	Accept(ctx context.Context, in workflow.Intake) (action.Request, error)
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	flow IntakePort
	log  logx.Logger

	parser cron.Parser
	c      *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, flow IntakePort, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		flow: flow,
		log:  log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startLocked()
}

// Apply replaces the reminder definitions. If the service is running, the
// cron is restarted so removed entries stop firing. Safe during hot-reload.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
	s.startLocked()
}

func (s *Service) startLocked() {
	s.c = cron.New(cron.WithParser(s.parser))
	registered := 0
	for _, e := range s.cfg.Entries {
		entry := e
		spec := strings.TrimSpace(entry.Schedule)
		if spec == "" || strings.TrimSpace(entry.Text) == "" || entry.ChatID == 0 {
			s.log.Warn("reminder skipped (incomplete definition)", logx.String("name", entry.Name))
			continue
		}
		if tz := strings.TrimSpace(entry.Timezone); tz != "" && !strings.HasPrefix(spec, "@") {
			spec = "CRON_TZ=" + tz + " " + spec
		}
		if _, err := s.c.AddFunc(spec, func() { s.fire(entry) }); err != nil {
			s.log.Warn("reminder skipped (bad schedule)", logx.String("name", entry.Name), logx.String("schedule", entry.Schedule), logx.Err(err))
			continue
		}
		registered++
	}
	s.c.Start()
	s.log.Info("recurring reminders started", logx.Int("count", registered))
}

func (s *Service) fire(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in reminder firing", logx.String("name", e.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
	defer cancel()

	rec, err := s.flow.Accept(ctx, workflow.Intake{
		Kind: action.KindReminder,
		Payload: action.Payload{
			"chat_id": strconv.FormatInt(e.ChatID, 10),
			"text":    e.Text,
			"source":  "recur:" + e.Name,
		},
		When:                 "now",
		RequiresConfirmation: false,
	})
	if err != nil {
		s.log.Warn("reminder intake failed", logx.String("name", e.Name), logx.Err(err))
		return
	}
	s.log.Debug("reminder emitted", logx.String("name", e.Name), logx.String("id", rec.ID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	// Stop returns a context that completes when running jobs finish.
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("recurring reminders stopped")
}
