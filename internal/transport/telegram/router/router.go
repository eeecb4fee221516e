// Package router dispatches chat updates to command and callback handlers
// through a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "nagbot/internal/runtime/supervisor"
	kit "nagbot/internal/transport"
	logx "nagbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAllowed restricts a route to the configured allowlist. An empty
	// allowlist admits everyone.
	AccessAllowed
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
	// Hidden commands work but stay out of /help and the menu.
	Hidden bool
}

// CallbackRoute handles inline-button data of the form "<action>:<payload>".
type CallbackRoute struct {
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	// Text is everything after the command word, unsplit.
	Text string

	// Callback fields.
	CallbackID string
	MessageID  int
	Payload    string
	// Answer is shown as the callback toast once the handler returns.
	Answer string

	ReqID   string
	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends an HTML message to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// ReplyWithButtons is Reply with an inline keyboard.
func (r *Request) ReplyWithButtons(ctx context.Context, text string, rows [][]kit.Button) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Buttons: rows})
	return err
}

type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and aliases
	ordered  []Command
	allowed  []int64

	cbMu      sync.RWMutex
	callbacks map[string]CallbackRoute

	log     logx.Logger
	adapter kit.Adapter
	workers int

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, allowed []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		allowed:   slices.Clone(allowed),
		log:       log,
		adapter:   adapter,
		workers:   max(runtime.NumCPU(), 2),
		jobs:      make(chan func(), 256),
	}
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *Router) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// SetAllowed replaces the allowlist; safe during hot reload.
func (m *Router) SetAllowed(ids []int64) {
	m.mu.Lock()
	m.allowed = slices.Clone(ids)
	m.mu.Unlock()
}

func (m *Router) permitted(a Access, id int64) bool {
	if a == AccessEveryone {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allowed) == 0 || slices.Contains(m.allowed, id)
}

// SetRegistry installs the command and callback tables. A /help command is
// always added. The platform menu is refreshed in the background.
func (m *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show this help",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})

	table := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		table[name] = &cc
		ordered = append(ordered, cc)
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, taken := table[a]; !taken {
					table[a] = &cc
				}
			}
		}
	}

	cb := map[string]CallbackRoute{}
	for _, r := range cbs {
		if a := strings.TrimSpace(r.Action); a != "" && r.Handle != nil {
			cb[a] = r
		}
	}

	m.mu.Lock()
	m.commands = table
	m.ordered = ordered
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := menuCommands(ordered)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// tryEnqueue is a panic-safe enqueue (the jobs channel may be closed).
func (m *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// It may only be run once per Router.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	word, rest, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}

	m.mu.RLock()
	cmd, found := m.commands[word]
	m.mu.RUnlock()
	if !found {
		_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	if !m.permitted(cmd.Access, msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "Sorry, this bot is private.", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         tokenize(rest),
		Text:         rest,
		MessageID:    msg.ID,
		ReqID:        rid,
		Adapter:      m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(cmd.Timeout))
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	action, payload, _ := strings.Cut(cb.Data, ":")

	m.cbMu.RLock()
	route, ok := m.callbacks[action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !m.permitted(route.Access, cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	rid := newReqID()
	req := &Request{
		Update:     up,
		Chat:       kit.ChatTarget{ChatID: cb.ChatID},
		FromID:     cb.FromID,
		Command:    "cb:" + action,
		CallbackID: cb.ID,
		MessageID:  cb.MessageID,
		Payload:    payload,
		ReqID:      rid,
		Adapter:    m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", "cb:"+action),
		),
	}
	final := Chain(route.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(route.Timeout))
	if !m.tryEnqueue(func() {
		_ = final(ctx, req)
		// clears the client's loading state
		_ = m.adapter.AnswerCallback(ctx, cb.ID, req.Answer)
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}
