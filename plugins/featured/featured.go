// Package featured runs the weekly photo rotation: pick a not yet
// featured image from the source scopes, preferring recent work, and
// republish it in the showcase scope.
package featured

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/reconcile"
	"grovebot/internal/storage"
	logx "grovebot/pkg/logx"
)

const (
	rotationKind = "featured_rotation"
	infoMarker   = "FEATURED_WEEKLY_INFO"
)

type Config struct {
	SourceScopes []gateway.ScopeID `json:"source_scopes"`
	TargetScope  gateway.ScopeID   `json:"target_scope"`
	// WindowDays are tried in order; 0 means unbounded. Defaults to
	// [7, 30, 0]: prefer this week's work, then this month's, then any.
	WindowDays []int  `json:"window_days"`
	MaxScan    int    `json:"max_scan"`
	Weekday    string `json:"weekday"`
	At         string `json:"at"`
}

type candidate struct {
	url    string
	scope  gateway.ScopeID
	msg    gateway.MessageID
	author gateway.UserID
	name   string
}

type Plugin struct {
	log  logx.Logger
	deps core.PluginDeps

	mu  sync.Mutex
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "featured" }

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
	if len(c.WindowDays) == 0 {
		c.WindowDays = []int{7, 30, 0}
	}
	if c.MaxScan <= 0 {
		c.MaxScan = 100
	}
	if c.Weekday == "" {
		c.Weekday = "friday"
	}
	if c.At == "" {
		c.At = "18:00"
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	cfg := p.config()
	wd, err := parseWeekday(cfg.Weekday)
	if err != nil {
		return err
	}
	if err := p.deps.Scheduler.AddWeekly("featured.rotate", wd, cfg.At, 2*time.Minute, p.rotate); err != nil {
		return err
	}
	return p.deps.Scheduler.AddInterval("featured.ensure", 5*time.Minute, 30*time.Second, p.ensureInfo)
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.deps.Scheduler.Remove("featured.rotate")
	p.deps.Scheduler.Remove("featured.ensure")
	return nil
}

func (p *Plugin) Commands() []core.Command { return nil }

func (p *Plugin) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// rotate is the weekly job body. The day-keyed action record makes it
// restart safe: a process restart on rotation day re-runs the job, sees
// the record, and does nothing. The record commits only after the
// publish landed, so a transient publish failure leaves the rotation
// retryable instead of burning the week.
func (p *Plugin) rotate(ctx context.Context) error {
	cfg := p.config()
	if cfg.TargetScope == 0 || len(cfg.SourceScopes) == 0 {
		return fmt.Errorf("featured: source/target scopes not configured")
	}

	today := p.deps.Policy.Today()
	done, err := p.deps.Store.ActionExists(ctx, 0, cfg.TargetScope, today, rotationKind)
	if err != nil {
		return err
	}
	if done {
		p.log.Debug("rotation already ran today")
		return nil
	}

	pick, err := p.selectCandidate(ctx, cfg)
	if err != nil {
		return err
	}
	if pick == nil {
		p.log.Info("no rotation candidates found")
		return nil
	}

	// De-dup commits before the publish: if the publish fails the URL is
	// burned, which beats featuring the same image twice.
	err = p.deps.Store.RecordFeatured(ctx, storage.FeaturedItem{
		ContentURL:    pick.url,
		SourceScopeID: pick.scope,
		OriginRef:     strconv.FormatInt(int64(pick.msg), 10),
		AuthorID:      pick.author,
		FeaturedAt:    p.deps.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("recording featured item: %w", err)
	}

	title := "Featured photo of the week"
	desc := "Congratulations!"
	if pick.name != "" {
		desc = "Congratulations, " + pick.name + "!"
	}
	_, err = p.deps.Gateway.Send(ctx, cfg.TargetScope, gateway.Outgoing{
		Embed: &gateway.Embed{Title: title, Description: desc, ImageURL: pick.url},
	})
	if err != nil {
		return fmt.Errorf("publishing featured item: %w", err)
	}
	if _, err := p.deps.Store.TryRecordAction(ctx, 0, cfg.TargetScope, today, rotationKind); err != nil {
		p.log.Warn("recording rotation day failed", logx.Err(err))
	}
	p.log.Info("featured item published",
		logx.String("url", pick.url), logx.Int64("author", int64(pick.author)))
	return nil
}

// selectCandidate widens the lookback window until a candidate appears.
func (p *Plugin) selectCandidate(ctx context.Context, cfg Config) (*candidate, error) {
	now := p.deps.Clock.Now()
	for _, days := range cfg.WindowDays {
		var cutoff time.Time
		if days > 0 {
			cutoff = now.AddDate(0, 0, -days)
		}
		pool, err := p.collect(ctx, cfg, cutoff)
		if err != nil {
			return nil, err
		}
		if len(pool) > 0 {
			return &pool[rand.Intn(len(pool))], nil
		}
	}
	return nil, nil
}

func (p *Plugin) collect(ctx context.Context, cfg Config, cutoff time.Time) ([]candidate, error) {
	var pool []candidate
	seen := map[string]bool{}
	for _, scope := range cfg.SourceScopes {
		p.deps.Scanner.Scan(ctx, scope, reconcile.ScanOptions{MaxItems: cfg.MaxScan, Cutoff: cutoff}, func(m gateway.Message) bool {
			if m.AuthorBot {
				return true
			}
			url := firstImageURL(m)
			if url == "" || seen[url] {
				return true
			}
			seen[url] = true
			featured, err := p.deps.Store.IsFeatured(ctx, url)
			if err != nil || featured {
				return true
			}
			pool = append(pool, candidate{
				url:    url,
				scope:  scope,
				msg:    m.ID,
				author: m.AuthorID,
				name:   m.AuthorName,
			})
			return true
		})
	}
	return pool, nil
}

func (p *Plugin) ensureInfo(ctx context.Context) error {
	cfg := p.config()
	if cfg.TargetScope == 0 {
		return nil
	}
	opts := reconcile.EnsureOptions{Marker: infoMarker, Window: 20, Pin: true}
	_, err := p.deps.Publisher.Ensure(ctx, cfg.TargetScope, opts, func() gateway.Outgoing {
		return gateway.Outgoing{Embed: &gateway.Embed{
			Title:       "Weekly featured photo",
			Description: "Every week one photo from the community is picked and showcased here. Each photo can only win once.",
			Footer:      infoMarker,
		}}
	})
	return err
}

func firstImageURL(m gateway.Message) string {
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return a.URL
		}
	}
	return ""
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
