// Package rules keeps the server-rules artifact alive and syncs the
// accept reaction on it to the member role.
//
// The role grant and the acceptance row are a best-effort dual write:
// when one of the two fails the other is not rolled back, only logged.
// There is deliberately no compensating transaction here.
package rules

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/reconcile"
	"grovebot/internal/storage"
	logx "grovebot/pkg/logx"
)

const marker = "RULES_INFO"

type Config struct {
	Scope       gateway.ScopeID `json:"scope"`
	MemberRole  gateway.RoleID  `json:"member_role"`
	AcceptEmoji string          `json:"accept_emoji"`
	ScanWindow  int             `json:"scan_window"`
	EnsureEvery string          `json:"ensure_every"`
	Text        string          `json:"text"`
}

type Plugin struct {
	log  logx.Logger
	deps core.PluginDeps

	mu  sync.Mutex
	cfg Config
	ref gateway.MessageRef // current rules artifact, zero until first ensure
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "rules" }

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
	if c.AcceptEmoji == "" {
		c.AcceptEmoji = "✅"
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = 50
	}
	if c.Text == "" {
		c.Text = "Be kind, keep it on topic, and respect each other's space. React with the checkmark to accept and join in."
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	every := 2 * time.Minute
	p.mu.Lock()
	if d, err := time.ParseDuration(p.cfg.EnsureEvery); err == nil && d > 0 {
		every = d
	}
	p.mu.Unlock()
	return p.deps.Scheduler.AddInterval("rules.ensure", every, 30*time.Second, p.ensureRules)
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.deps.Scheduler.Remove("rules.ensure")
	return nil
}

func (p *Plugin) Commands() []core.Command { return nil }

func (p *Plugin) snapshot() (Config, gateway.MessageRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.ref
}

func (p *Plugin) ensureRules(ctx context.Context) error {
	cfg, _ := p.snapshot()
	if cfg.Scope == 0 {
		return nil
	}
	opts := reconcile.EnsureOptions{Marker: marker, Window: cfg.ScanWindow, Pin: true}
	ref, err := p.deps.Publisher.Ensure(ctx, cfg.Scope, opts, func() gateway.Outgoing {
		return gateway.Outgoing{Embed: &gateway.Embed{
			Title:       "Server rules",
			Description: cfg.Text,
			Footer:      marker,
		}}
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.ref = ref
	p.mu.Unlock()
	return nil
}

func (p *Plugin) HandleEvent(ctx context.Context, ev gateway.Event) error {
	switch ev.Kind {
	case gateway.EventReactionAdded:
		return p.onReaction(ctx, ev.Reaction, true)
	case gateway.EventReactionRemoved:
		return p.onReaction(ctx, ev.Reaction, false)
	}
	return nil
}

func (p *Plugin) onReaction(ctx context.Context, r *gateway.Reaction, added bool) error {
	if r == nil {
		return nil
	}
	cfg, ref := p.snapshot()
	if ref.MessageID == 0 || r.ScopeID != ref.ScopeID || r.MessageID != ref.MessageID {
		return nil
	}
	if r.Emoji != cfg.AcceptEmoji || cfg.MemberRole == 0 {
		return nil
	}
	if r.UserID == p.deps.Gateway.Self() {
		return nil
	}

	if added {
		return p.accept(ctx, cfg, r.UserID)
	}
	return p.retract(ctx, cfg, r.UserID)
}

func (p *Plugin) accept(ctx context.Context, cfg Config, user gateway.UserID) error {
	if err := p.deps.Gateway.AddRole(ctx, user, cfg.MemberRole); err != nil {
		p.log.Warn("member role grant failed", logx.Int64("subject", int64(user)), logx.Err(err))
		return nil
	}
	name, _ := p.deps.Gateway.MemberName(ctx, user)
	err := p.deps.Store.UpsertMember(ctx, storage.MemberAcceptance{
		SubjectID:   user,
		DisplayName: name,
		AcceptedAt:  p.deps.Clock.Now(),
	})
	if err != nil {
		// role granted but row missing; the next accept gesture repairs it
		p.log.Warn("acceptance record write failed", logx.Int64("subject", int64(user)), logx.Err(err))
		return nil
	}
	p.log.Info("rules accepted", logx.Int64("subject", int64(user)))
	return nil
}

func (p *Plugin) retract(ctx context.Context, cfg Config, user gateway.UserID) error {
	if err := p.deps.Gateway.RemoveRole(ctx, user, cfg.MemberRole); err != nil {
		p.log.Warn("member role removal failed", logx.Int64("subject", int64(user)), logx.Err(err))
	}
	if err := p.deps.Store.DeleteMember(ctx, user); err != nil {
		p.log.Warn("acceptance record delete failed", logx.Int64("subject", int64(user)), logx.Err(err))
	}
	p.log.Info("rules acceptance retracted", logx.Int64("subject", int64(user)))
	return nil
}
