// Package imagemod moderates image content: removes images from
// text-only scopes and removes images whose nudity score crosses the
// configured threshold in the monitored scopes.
package imagemod

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"grovebot/internal/classify"
	"grovebot/internal/core"
	"grovebot/internal/gateway"
	logx "grovebot/pkg/logx"
	"grovebot/pkg/pace"
)

type Config struct {
	NoImageScopes []gateway.ScopeID `json:"no_image_scopes"`
	ScoredScopes  []gateway.ScopeID `json:"scored_scopes"`
	Threshold     float64           `json:"threshold"`
	ScorerURL     string            `json:"scorer_url"`
	ScorerTimeout string            `json:"scorer_timeout"`
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

func (p *Plugin) Name() string { return "imagemod" }

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
		c.Threshold = 0.3
	}
	timeout := 10 * time.Second
	if d, err := time.ParseDuration(c.ScorerTimeout); err == nil && d > 0 {
		timeout = d
	}
	var scorer classify.Scorer
	if c.ScorerURL != "" {
		scorer = classify.NewHTTPScorer(c.ScorerURL, timeout)
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
	urls := imageURLs(msg)
	if len(urls) == 0 {
		return nil
	}
	cfg, scorer := p.snapshot()

	if containsScope(cfg.NoImageScopes, msg.ScopeID) {
		p.remove(ctx, msg, "Images are not allowed in that channel.")
		return nil
	}

	if scorer == nil || !containsScope(cfg.ScoredScopes, msg.ScopeID) {
		return nil
	}
	for _, url := range urls {
		score, err := scorer.Score(ctx, url)
		if err != nil {
			// fail open on scorer trouble; moderation still has humans
			p.log.Warn("image scoring failed", logx.String("url", url), logx.Err(err))
			continue
		}
		if score >= cfg.Threshold {
			p.log.Info("image removed by score",
				logx.Int64("author", int64(msg.AuthorID)), logx.Float64("score", score))
			p.remove(ctx, msg, "Your image was removed because it does not fit this community.")
			return nil
		}
	}
	return nil
}

func (p *Plugin) remove(ctx context.Context, msg *gateway.Message, notice string) {
	ref := gateway.MessageRef{ScopeID: msg.ScopeID, MessageID: msg.ID}
	if err := p.deps.Gateway.Delete(ctx, ref); err != nil {
		p.log.Warn("image delete failed", logx.Int64("message", int64(msg.ID)), logx.Err(err))
		return
	}
	if p.notices.Allow(int64(msg.AuthorID)) {
		_ = p.deps.Gateway.Whisper(ctx, msg.AuthorID, notice)
	}
}

func imageURLs(m *gateway.Message) []string {
	var urls []string
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

func containsScope(scopes []gateway.ScopeID, s gateway.ScopeID) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}
