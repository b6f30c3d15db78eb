// Package router turns Telegram updates into scheduled-action operations:
// intake commands, approval callbacks, listing and cancellation.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"sendlater/internal/action"
	"sendlater/internal/eventbus"
	rtsup "sendlater/internal/runtime/supervisor"
	kit "sendlater/internal/transport"
	"sendlater/internal/workflow"
	logx "sendlater/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string // e.g. "email"
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// WorkflowPort is what the router needs from the confirmation workflow.
type WorkflowPort interface {
	Accept(ctx context.Context, in workflow.Intake) (action.Request, error)
	Approve(ctx context.Context, id string) (action.Request, error)
	Cancel(ctx context.Context, id string) (action.Request, error)
	ListPending(ctx context.Context) ([]action.Request, error)
	Lookup(ctx context.Context, id string) (action.Request, error)
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string // positional args (flags stripped)
	RawArgs []string
	Flags   map[string]string
	Bools   map[string]bool
	Payload string // callback payload (raw string)
	ReqID   string

	Adapter kit.Adapter
	Flow    WorkflowPort
	Logger  logx.Logger
	Owners  []int64
}

type Router struct {
	mu    sync.RWMutex
	cmds  map[string]*Command // name/alias -> command
	names []string            // canonical names, registration order

	ownMu  sync.RWMutex
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	flow    WorkflowPort
	bus     eventbus.Bus

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, flow WorkflowPort, bus eventbus.Bus, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:    map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		adapter: adapter,
		flow:    flow,
		bus:     bus,
		jobs:    make(chan func(), 256),
	}
	r.registerCommands()
	return r
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.ownMu.Lock()
	r.owners = cp
	r.ownMu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.ownMu.RLock()
	cp := append([]int64(nil), r.owners...)
	r.ownMu.RUnlock()
	return cp
}

func (r *Router) register(c Command) {
	if c.Name == "" || c.Handle == nil {
		return
	}
	cc := c
	r.cmds[c.Name] = &cc
	r.names = append(r.names, c.Name)
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		r.cmds[a] = &cc
	}
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes adapter updates until ctx is cancelled or the
// channel closes. Handlers run on a bounded worker pool so a slow SMTP
// lookup or store hiccup never blocks the poll loop.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.runMu.Lock()
	r.sup = sup
	r.running = true
	r.runMu.Unlock()

	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.runMu.Lock()
			r.running = false
			r.runMu.Unlock()
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := "command.worker." + strconv.Itoa(idx)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Defensive: a job should never panic (middleware already
					// catches), but keep workers alive if it happens.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		// Wait briefly for workers to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.running = false
		r.runMu.Unlock()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(root, up)
	case kit.UpdateCallback:
		r.routeCallback(root, up)
	}
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := []string{}
	if len(parts) > 1 {
		args = parts[1:]
	}

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok || cmd == nil {
		// Stay silent in groups; noise otherwise.
		if !msg.IsGroup {
			_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, "unknown command, try /help", nil)
		}
		return
	}

	owners := r.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, "unauthorized", nil)
		return
	}

	pos, flags, bools := parseFlags(args)

	rid := newReqID()
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		RawArgs: args,
		Flags:   flags,
		Bools:   bools,
		ReqID:   rid,
		Adapter: r.adapter,
		Flow:    r.flow,
		Logger:  reqLog,
		Owners:  owners,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.adapter.SendText(root, req.Chat, "busy, try again", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
