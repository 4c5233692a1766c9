// Package identity owns the role-path picker: a persistent artifact
// with one button per path, and the human-reviewed verification ticket
// each press opens. Paths are mutually exclusive; approval swaps any
// previously held path role for the new one.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/reconcile"
	"grovebot/internal/ticket"
	logx "grovebot/pkg/logx"
)

const marker = "IDENTITY_SELECT_INFO"

type PathOption struct {
	Key   string         `json:"key"`
	Label string         `json:"label"`
	Role  gateway.RoleID `json:"role"`
}

type Config struct {
	Scope       gateway.ScopeID `json:"scope"`
	Options     []PathOption    `json:"options"`
	ScanWindow  int             `json:"scan_window"`
	EnsureEvery string          `json:"ensure_every"`
}

type Plugin struct {
	log  logx.Logger
	deps core.PluginDeps

	mu  sync.Mutex
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "identity" }

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
	if c.ScanWindow <= 0 {
		c.ScanWindow = 20
	}
	seen := map[string]bool{}
	for _, o := range c.Options {
		if o.Key == "" || o.Label == "" || o.Role == 0 {
			return fmt.Errorf("identity: option needs key, label, and role")
		}
		if seen[o.Key] {
			return fmt.Errorf("identity: duplicate option key %q", o.Key)
		}
		seen[o.Key] = true
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
	return p.deps.Scheduler.AddInterval("identity.ensure", every, 30*time.Second, p.ensurePicker)
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.deps.Scheduler.Remove("identity.ensure")
	return nil
}

func (p *Plugin) Commands() []core.Command { return nil }

func (p *Plugin) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// ensurePicker keeps the persistent path-picker artifact alive. If a
// moderator deletes it (or the scope was wiped), the next tick
// republishes it with fresh controls.
func (p *Plugin) ensurePicker(ctx context.Context) error {
	cfg := p.config()
	if cfg.Scope == 0 || len(cfg.Options) == 0 {
		return nil
	}
	opts := reconcile.EnsureOptions{Marker: marker, Window: cfg.ScanWindow, Pin: true}
	_, err := p.deps.Publisher.Ensure(ctx, cfg.Scope, opts, func() gateway.Outgoing {
		out := gateway.Outgoing{Embed: &gateway.Embed{
			Title:       "Choose your path",
			Description: "Pick the path you want to walk. A guide will review your request in a private channel.",
			Footer:      marker,
		}}
		for _, o := range cfg.Options {
			out.Controls = append(out.Controls, gateway.Control{
				Label: o.Label,
				ID:    "identity:choose:" + o.Key,
			})
		}
		return out
	})
	return err
}

func (p *Plugin) Callbacks() []core.CallbackRoute {
	return []core.CallbackRoute{
		{Action: "choose", Timeout: 30 * time.Second, Handle: p.onChoose},
		{Action: "approve", Timeout: 30 * time.Second, Handle: p.onResolve(true)},
		{Action: "reject", Timeout: 30 * time.Second, Handle: p.onResolve(false)},
	}
}

func (p *Plugin) option(key string) *PathOption {
	cfg := p.config()
	for i := range cfg.Options {
		if cfg.Options[i].Key == key {
			return &cfg.Options[i]
		}
	}
	return nil
}

func (p *Plugin) onChoose(ctx context.Context, req *core.Request, payload string) error {
	opt := p.option(payload)
	if opt == nil {
		return nil
	}
	subject := req.FromID

	has, err := req.Gateway.HasRole(ctx, subject, opt.Role)
	if err == nil && has {
		return req.Gateway.Acknowledge(ctx, req.Event.Interaction.ID, "You already walk that path.")
	}

	name, _ := req.Gateway.MemberName(ctx, subject)
	t, err := p.deps.Tickets.Open(ctx, subject, name, opt.Key, opt.Role)
	if errors.Is(err, ticket.ErrExists) {
		return req.Gateway.Acknowledge(ctx, req.Event.Interaction.ID, "You already have an open request.")
	}
	if err != nil {
		p.log.Error("ticket open failed", logx.Int64("subject", int64(subject)), logx.Err(err))
		return req.Gateway.Acknowledge(ctx, req.Event.Interaction.ID,
			"Something is misconfigured on our side. A moderator has been notified.")
	}

	// Decision controls carry the path key so a resolve after a restart
	// still knows which role to grant.
	_, err = req.Gateway.Send(ctx, t.Scope, gateway.Outgoing{
		Embed: &gateway.Embed{
			Title:       "Path request: " + opt.Label,
			Description: fmt.Sprintf("%s (id %d) asks to join the %s path.", name, subject, opt.Label),
		},
		Controls: []gateway.Control{
			{Label: "Approve", ID: "identity:approve:" + opt.Key},
			{Label: "Reject", ID: "identity:reject:" + opt.Key},
		},
	})
	if err != nil {
		return fmt.Errorf("posting decision controls: %w", err)
	}
	return req.Gateway.Acknowledge(ctx, req.Event.Interaction.ID,
		"Your request is in. A guide will get back to you in your private channel.")
}

func (p *Plugin) onResolve(approve bool) core.CallbackHandlerFunc {
	return func(ctx context.Context, req *core.Request, payload string) error {
		if !p.isPrivileged(ctx, req) {
			return req.Gateway.Acknowledge(ctx, req.Event.Interaction.ID,
				"Only guides can decide path requests.")
		}

		t, err := p.deps.Tickets.Resolve(ctx, req.Scope, approve)
		if errors.Is(err, ticket.ErrResolved) {
			return req.Gateway.Acknowledge(ctx, req.Event.Interaction.ID, "This request was already decided.")
		}
		if errors.Is(err, ticket.ErrNotOpen) {
			return req.Gateway.Acknowledge(ctx, req.Event.Interaction.ID, "No open request backs this channel.")
		}
		if err != nil {
			return err
		}

		if approve {
			if err := p.applyRoles(ctx, req, t, payload); err != nil {
				p.log.Error("role grant failed",
					logx.Int64("subject", int64(t.Subject)), logx.Err(err))
			}
		}

		verdict := "Your path request was declined. You are welcome to try again."
		if approve {
			verdict = "Welcome to your new path!"
		}
		_ = req.Gateway.Whisper(ctx, t.Subject, verdict)
		_, _ = req.Gateway.Send(ctx, req.Scope, gateway.Outgoing{
			Content: fmt.Sprintf("Decision recorded: %s. This channel closes shortly.", t.Status),
		})
		return nil
	}
}

// applyRoles grants the requested path role and removes every other
// path role the subject holds.
func (p *Plugin) applyRoles(ctx context.Context, req *core.Request, t *ticket.Ticket, key string) error {
	role := t.Role
	if role == 0 {
		// ticket recovered after a restart; the control payload names the path
		opt := p.option(key)
		if opt == nil {
			return fmt.Errorf("unknown path %q", key)
		}
		role = opt.Role
	}
	if err := req.Gateway.AddRole(ctx, t.Subject, role); err != nil {
		return err
	}
	for _, o := range p.config().Options {
		if o.Role == role {
			continue
		}
		if has, err := req.Gateway.HasRole(ctx, t.Subject, o.Role); err == nil && has {
			if err := req.Gateway.RemoveRole(ctx, t.Subject, o.Role); err != nil {
				p.log.Warn("opposite role removal failed",
					logx.Int64("subject", int64(t.Subject)), logx.Int64("role", int64(o.Role)), logx.Err(err))
			}
		}
	}
	return nil
}

func (p *Plugin) isPrivileged(ctx context.Context, req *core.Request) bool {
	for _, o := range req.Server.OwnerUserIDs {
		if o == req.FromID {
			return true
		}
	}
	ok, err := req.Gateway.HasRole(ctx, req.FromID, req.Server.StaffRole)
	return err == nil && ok
}
