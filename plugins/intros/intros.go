// Package intros tends the introductions scope: each member introduces
// themselves once, and every introduction gets the welcome reactions.
package intros

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/reconcile"
	logx "grovebot/pkg/logx"
	"grovebot/pkg/pace"
)

type Config struct {
	Scope      gateway.ScopeID `json:"scope"`
	Emojis     []string        `json:"emojis"`
	ScanWindow int             `json:"scan_window"`
}

type Plugin struct {
	log  logx.Logger
	deps core.PluginDeps

	mu  sync.Mutex
	cfg Config

	notices *pace.Keyed
}

func New() *Plugin {
	return &Plugin{notices: pace.NewKeyed(time.Minute, 1)}
}

func (p *Plugin) Name() string { return "intros" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.deps = deps
	p.log = deps.Log.With(logx.String("plugin", p.Name()))
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	var c Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
	}
	if len(c.Emojis) == 0 {
		c.Emojis = []string{"👋", "🌿", "❤️"}
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = 200
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

func (p *Plugin) Commands() []core.Command { return nil }

func (p *Plugin) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Plugin) HandleEvent(ctx context.Context, ev gateway.Event) error {
	if ev.Kind != gateway.EventMessageCreated || ev.Message == nil {
		return nil
	}
	msg := ev.Message
	cfg := p.config()
	if msg.AuthorBot || msg.ScopeID != cfg.Scope {
		return nil
	}
	if strings.HasPrefix(strings.TrimSpace(msg.Content), "/") {
		return nil
	}

	// an earlier message by the same author means they already introduced
	// themselves; history is the only record this scope needs
	prior := false
	p.deps.Scanner.Scan(ctx, cfg.Scope, reconcile.ScanOptions{MaxItems: cfg.ScanWindow}, func(m gateway.Message) bool {
		if m.ID == msg.ID {
			return true
		}
		if m.AuthorID == msg.AuthorID {
			prior = true
			return false
		}
		return true
	})

	if prior {
		ref := gateway.MessageRef{ScopeID: msg.ScopeID, MessageID: msg.ID}
		if err := p.deps.Gateway.Delete(ctx, ref); err != nil {
			p.log.Warn("extra introduction delete failed",
				logx.Int64("author", int64(msg.AuthorID)), logx.Err(err))
		}
		if p.notices.Allow(int64(msg.AuthorID)) {
			_ = p.deps.Gateway.Whisper(ctx, msg.AuthorID,
				"You have already introduced yourself. Feel free to chat in the other channels!")
		}
		return nil
	}

	ref := gateway.MessageRef{ScopeID: msg.ScopeID, MessageID: msg.ID}
	for _, e := range cfg.Emojis {
		if err := p.deps.Gateway.AddReaction(ctx, ref, e); err != nil {
			p.log.Warn("welcome reaction failed", logx.String("emoji", e), logx.Err(err))
		}
	}
	return nil
}
