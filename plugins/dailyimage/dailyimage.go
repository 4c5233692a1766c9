// Package dailyimage enforces "one image post per member per day" in
// the configured scopes and keeps each scope's pinned how-it-works
// artifact alive.
package dailyimage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/reconcile"
	logx "grovebot/pkg/logx"
	"grovebot/pkg/pace"
)

const (
	actionKind = "daily_image"
	marker     = "DAILY_IMAGE_INFO"
)

type Config struct {
	Scopes      []gateway.ScopeID `json:"scopes"`
	ScanWindow  int               `json:"scan_window"`
	EnsureEvery string            `json:"ensure_every"`
}

type Plugin struct {
	log  logx.Logger
	deps core.PluginDeps

	mu  sync.Mutex
	cfg Config

	pruneOnce sync.Once
	notices   *pace.Keyed
}

func New() *Plugin {
	return &Plugin{notices: pace.NewKeyed(time.Minute, 1)}
}

func (p *Plugin) Name() string { return "dailyimage" }

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
		c.ScanWindow = 25
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

	return p.deps.Scheduler.AddInterval("dailyimage.ensure", every, 30*time.Second, p.ensureArtifacts)
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.deps.Scheduler.Remove("dailyimage.ensure")
	return nil
}

func (p *Plugin) Commands() []core.Command { return nil }

func (p *Plugin) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// HandleEvent applies the one-image-per-day policy to live posts.
func (p *Plugin) HandleEvent(ctx context.Context, ev gateway.Event) error {
	if ev.Kind != gateway.EventMessageCreated || ev.Message == nil {
		return nil
	}
	msg := ev.Message
	if msg.AuthorBot {
		return nil
	}
	cfg := p.config()
	if !containsScope(cfg.Scopes, msg.ScopeID) {
		return nil
	}
	if !hasImage(msg) {
		// text chatter in an image scope is not rate limited
		return nil
	}

	dec, err := p.deps.Policy.CheckAndRecord(ctx, msg.AuthorID, msg.ScopeID, actionKind)
	if err != nil {
		return fmt.Errorf("rate check: %w", err)
	}
	if dec.Permitted {
		return nil
	}

	ref := gateway.MessageRef{ScopeID: msg.ScopeID, MessageID: msg.ID}
	if err := p.deps.Gateway.Delete(ctx, ref); err != nil {
		p.log.Warn("duplicate image delete failed",
			logx.Int64("scope", int64(msg.ScopeID)), logx.Int64("author", int64(msg.AuthorID)), logx.Err(err))
	}
	if p.notices.Allow(int64(msg.AuthorID)) {
		_ = p.deps.Gateway.Whisper(ctx, msg.AuthorID,
			"You have already shared an image today. Come back tomorrow!")
	}
	p.log.Info("duplicate image removed",
		logx.Int64("scope", int64(msg.ScopeID)), logx.Int64("author", int64(msg.AuthorID)))
	return nil
}

func (p *Plugin) ensureArtifacts(ctx context.Context) error {
	p.pruneOnce.Do(func() {
		n, err := p.deps.Policy.PruneBeforeToday(ctx)
		if err != nil {
			p.log.Warn("action prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			p.log.Info("stale action records pruned", logx.Int64("removed", n))
		}
	})

	cfg := p.config()
	var firstErr error
	for _, scope := range cfg.Scopes {
		opts := reconcile.EnsureOptions{Marker: marker, Window: cfg.ScanWindow, Pin: true}
		_, err := p.deps.Publisher.Ensure(ctx, scope, opts, func() gateway.Outgoing {
			return gateway.Outgoing{Embed: &gateway.Embed{
				Title:       "One image a day",
				Description: "Share a single photo each day. Extra images are removed automatically so everyone gets the same space.",
				Footer:      marker,
			}}
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("scope %d: %w", scope, err)
		}
	}
	return firstErr
}

func containsScope(scopes []gateway.ScopeID, s gateway.ScopeID) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}

func hasImage(m *gateway.Message) bool {
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return true
		}
	}
	return false
}
