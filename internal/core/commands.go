package core

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"grovebot/internal/gateway"
	logx "grovebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessStaff
	AccessOwnerOnly
)

type Command struct {
	// Name is the bare command word, without the leading slash.
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	PluginName string
	Timeout    time.Duration // optional per-command override
	Handle     HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles presses of interaction controls whose id is
// "plugin:action" or "plugin:action:payload".
type CallbackRoute struct {
	Plugin  string
	Action  string
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Event   gateway.Event
	Scope   gateway.ScopeID
	FromID  gateway.UserID
	Command string
	Args    []string
	Payload string
	ReqID   string

	Gateway gateway.Gateway
	Config  *Config
	Server  ServerConfig
	Log     logx.Logger
}

type namedEventHandler struct {
	name string
	h    EventHandler
}

// CommandManager routes gateway events: slash commands to their
// handler, control presses to callback routes, and everything to the
// registered event handlers. Work runs on a bounded pool so one slow
// handler cannot stall the gateway read loop.
type CommandManager struct {
	mu sync.RWMutex

	cmds     map[string]*Command // name and aliases -> command
	cbs      map[string]map[string]CallbackRoute
	handlers []namedEventHandler

	log  logx.Logger
	gw   gateway.Gateway
	cfgm *ConfigManager

	jobs chan func()
}

func NewCommandManager(log logx.Logger, gw gateway.Gateway, cfgm *ConfigManager) *CommandManager {
	return &CommandManager{
		cmds: map[string]*Command{},
		cbs:  map[string]map[string]CallbackRoute{},
		log:  log,
		gw:   gw,
		cfgm: cfgm,
		jobs: make(chan func(), 256),
	}
}

func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute, evs []namedEventHandler) {
	reg := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := strings.TrimSpace(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		reg[name] = &c
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			reg[a] = &c
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		p, a := strings.TrimSpace(r.Plugin), strings.TrimSpace(r.Action)
		if p == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[p] == nil {
			cb[p] = map[string]CallbackRoute{}
		}
		cb[p][a] = r
	}

	m.mu.Lock()
	m.cmds = reg
	m.cbs = cb
	m.handlers = evs
	m.mu.Unlock()
}

// DispatchLoop consumes gateway events until ctx is done or the
// channel closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, events <-chan gateway.Event) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	m.log.Info("dispatcher started", logx.Int("workers", workers))

	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeJobs := func() { closeOnce.Do(func() { close(m.jobs) }) }

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in dispatch worker",
						logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					if job != nil {
						job()
					}
				}
			}
		}()
	}

	defer func() {
		closeJobs()
		wg.Wait()
		m.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.route(ctx, ev)
		}
	}
}

func (m *CommandManager) route(root context.Context, ev gateway.Event) {
	switch ev.Kind {
	case gateway.EventMessageCreated:
		if ev.Message != nil && !ev.Message.AuthorBot && strings.HasPrefix(strings.TrimSpace(ev.Message.Content), "/") {
			m.routeCommand(root, ev)
			return
		}
	case gateway.EventInteraction:
		if m.routeInteraction(root, ev) {
			return
		}
	}
	m.fanOut(root, ev)
}

func (m *CommandManager) routeCommand(root context.Context, ev gateway.Event) {
	msg := ev.Message
	parts := strings.Fields(strings.TrimSpace(msg.Content))
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	m.mu.RLock()
	cmd, ok := m.cmds[word]
	m.mu.RUnlock()
	if !ok {
		// not ours; let event handlers see it
		m.fanOut(root, ev)
		return
	}

	cfg := m.cfgm.Get()
	if !m.allowed(root, cmd.Access, msg.AuthorID, cfg) {
		_ = m.gw.Whisper(root, msg.AuthorID, "You are not allowed to use that command.")
		return
	}

	rid := newReqID()
	req := &Request{
		Event:   ev,
		Scope:   msg.ScopeID,
		FromID:  msg.AuthorID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Gateway: m.gw,
		Config:  cfg,
		Server:  cfg.Server,
		Log: m.log.With(
			logx.String("rid", rid),
			logx.Int64("scope", int64(msg.ScopeID)),
			logx.Int64("from", int64(msg.AuthorID)),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)

	select {
	case m.jobs <- func() { _ = final(root, req) }:
	default:
		m.log.Warn("dispatch queue full; command dropped", logx.String("cmd", cmd.Name))
	}
}

func (m *CommandManager) routeInteraction(root context.Context, ev gateway.Event) bool {
	in := ev.Interaction
	if in == nil {
		return false
	}
	parts := strings.SplitN(in.Control, ":", 3)
	if len(parts) < 2 {
		return false
	}
	plugin, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.mu.RLock()
	route, ok := m.cbs[plugin][action]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	cfg := m.cfgm.Get()
	rid := newReqID()
	req := &Request{
		Event:   ev,
		Scope:   in.ScopeID,
		FromID:  in.UserID,
		Command: "cb:" + plugin + ":" + action,
		Payload: payload,
		ReqID:   rid,
		Gateway: m.gw,
		Config:  cfg,
		Server:  cfg.Server,
		Log: m.log.With(
			logx.String("rid", rid),
			logx.Int64("scope", int64(in.ScopeID)),
			logx.Int64("from", int64(in.UserID)),
			logx.String("cmd", "cb:"+plugin+":"+action),
		),
	}

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(route.Timeout),
	)

	id := in.ID
	select {
	case m.jobs <- func() {
		_ = final(root, req)
		// stop the client's "loading" state
		_ = m.gw.Acknowledge(root, id, "")
	}:
	default:
		_ = m.gw.Acknowledge(root, id, "busy")
	}
	return true
}

// fanOut hands the event to every registered handler on the pool.
func (m *CommandManager) fanOut(root context.Context, ev gateway.Event) {
	m.mu.RLock()
	handlers := m.handlers
	m.mu.RUnlock()

	for _, nh := range handlers {
		nh := nh
		select {
		case m.jobs <- func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in event handler",
						logx.String("plugin", nh.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			if err := nh.h.HandleEvent(root, ev); err != nil {
				m.log.Warn("event handler error", logx.String("plugin", nh.name), logx.Err(err))
			}
		}:
		default:
			m.log.Warn("dispatch queue full; event dropped", logx.String("plugin", nh.name))
		}
	}
}

func (m *CommandManager) allowed(ctx context.Context, access Access, from gateway.UserID, cfg *Config) bool {
	switch access {
	case AccessEveryone:
		return true
	case AccessOwnerOnly:
		for _, o := range cfg.Server.OwnerUserIDs {
			if o == from {
				return true
			}
		}
		return false
	case AccessStaff:
		for _, o := range cfg.Server.OwnerUserIDs {
			if o == from {
				return true
			}
		}
		ok, err := m.gw.HasRole(ctx, from, cfg.Server.StaffRole)
		return err == nil && ok
	}
	return false
}
