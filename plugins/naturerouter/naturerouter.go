// Package naturerouter sorts image posts between the two photo scopes:
// outdoor shots belong in the nature scope, everything else in the
// general one. A misplaced image is republished in the right scope
// (credited to its author) and the original removed.
package naturerouter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"grovebot/internal/classify"
	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/reconcile"
	logx "grovebot/pkg/logx"
	"grovebot/pkg/pace"
)

const actionKind = "nature_route"

type Config struct {
	NatureScope  gateway.ScopeID `json:"nature_scope"`
	GeneralScope gateway.ScopeID `json:"general_scope"`
	Threshold    float64         `json:"threshold"`
	HistoryLimit int             `json:"history_limit"`
	ScorerURL    string          `json:"scorer_url"`
}

type Plugin struct {
	log  logx.Logger
	deps core.PluginDeps

	mu     sync.Mutex
	cfg    Config
	scorer classify.Scorer

	notices *pace.Keyed
}

func New() *Plugin {
	return &Plugin{notices: pace.NewKeyed(time.Minute, 1)}
}

func (p *Plugin) Name() string { return "naturerouter" }

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
	if c.Threshold <= 0 {
		c.Threshold = 0.75
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	var scorer classify.Scorer
	if c.ScorerURL != "" {
		scorer = classify.NewHTTPScorer(c.ScorerURL, 10*time.Second)
	} else {
		scorer = classify.NewNatureScorer(15 * time.Second)
	}
	p.mu.Lock()
	p.cfg = c
	p.scorer = scorer
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

func (p *Plugin) Commands() []core.Command { return nil }

func (p *Plugin) snapshot() (Config, classify.Scorer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.scorer
}

func (p *Plugin) HandleEvent(ctx context.Context, ev gateway.Event) error {
	if ev.Kind != gateway.EventMessageCreated || ev.Message == nil {
		return nil
	}
	msg := ev.Message
	if msg.AuthorBot {
		return nil
	}
	cfg, scorer := p.snapshot()
	if msg.ScopeID != cfg.NatureScope && msg.ScopeID != cfg.GeneralScope {
		return nil
	}
	url := firstImageURL(msg)
	if url == "" {
		return nil
	}

	score, err := scorer.Score(ctx, url)
	if err != nil {
		p.log.Warn("nature scoring failed", logx.String("url", url), logx.Err(err))
		return nil
	}

	target := cfg.GeneralScope
	if score >= cfg.Threshold {
		target = cfg.NatureScope
	}
	if target == msg.ScopeID {
		return nil
	}

	return p.route(ctx, cfg, msg, url, target, score)
}

func (p *Plugin) route(ctx context.Context, cfg Config, msg *gateway.Message, url string, target gateway.ScopeID, score float64) error {
	// a recent repost of the same image means this one is a duplicate
	already := false
	p.deps.Scanner.Scan(ctx, target, reconcile.ScanOptions{MaxItems: cfg.HistoryLimit}, func(m gateway.Message) bool {
		if len(m.Embeds) > 0 && m.Embeds[0].ImageURL == url {
			already = true
			return false
		}
		return true
	})
	if already {
		return nil
	}

	// one routed repost per author per target scope per day
	dec, err := p.deps.Policy.CheckAndRecord(ctx, msg.AuthorID, target, actionKind)
	if err != nil {
		return fmt.Errorf("route rate check: %w", err)
	}
	if !dec.Permitted {
		p.log.Debug("routing capped for today", logx.Int64("author", int64(msg.AuthorID)))
		return nil
	}

	name := msg.AuthorName
	if name == "" {
		name, _ = p.deps.Gateway.MemberName(ctx, msg.AuthorID)
	}
	_, err = p.deps.Gateway.Send(ctx, target, gateway.Outgoing{
		Embed: &gateway.Embed{
			Description: "Shared by " + name,
			ImageURL:    url,
		},
	})
	if err != nil {
		return fmt.Errorf("reposting image: %w", err)
	}

	ref := gateway.MessageRef{ScopeID: msg.ScopeID, MessageID: msg.ID}
	if err := p.deps.Gateway.Delete(ctx, ref); err != nil {
		p.log.Warn("original delete failed", logx.Int64("message", int64(msg.ID)), logx.Err(err))
	}
	if p.notices.Allow(int64(msg.AuthorID)) {
		_ = p.deps.Gateway.Whisper(ctx, msg.AuthorID,
			"Your photo fit better in the other channel, so it was moved there for you.")
	}
	p.log.Info("image routed",
		logx.Int64("from", int64(msg.ScopeID)), logx.Int64("to", int64(target)), logx.Float64("score", score))
	return nil
}

func firstImageURL(m *gateway.Message) string {
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return a.URL
		}
	}
	return ""
}
