// Package winddown runs the weekly wind-down ritual in the gathering
// scope: open the floor with a prompt and gentle slowmode, then lock
// and summarize exactly 24 hours later.
//
// The prompt artifact doubles as the durable record of when the ritual
// started: after a restart the lock continuation is re-armed from the
// prompt's timestamp, not from "now", so the deadline never slips.
package winddown

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
)

const (
	promptMarker  = "WINDDOWN_PROMPT"
	summaryMarker = "WINDDOWN_SUMMARY"
)

type Config struct {
	Scope      gateway.ScopeID `json:"scope"`
	Weekday    string          `json:"weekday"`
	At         string          `json:"at"`
	LockAfter  string          `json:"lock_after"`
	Slowmode   string          `json:"slowmode"`
	ScanWindow int             `json:"scan_window"`
}

type Plugin struct {
	log  logx.Logger
	deps core.PluginDeps

	mu  sync.Mutex
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "winddown" }

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
	if c.Weekday == "" {
		c.Weekday = "friday"
	}
	if c.At == "" {
		c.At = "18:00"
	}
	if c.LockAfter == "" {
		c.LockAfter = "24h"
	}
	if c.Slowmode == "" {
		c.Slowmode = "60s"
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = 5
	}
	if _, err := time.ParseDuration(c.LockAfter); err != nil {
		return fmt.Errorf("winddown: lock_after: %w", err)
	}
	if _, err := time.ParseDuration(c.Slowmode); err != nil {
		return fmt.Errorf("winddown: slowmode: %w", err)
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
	if err := p.deps.Scheduler.AddWeekly("winddown.start", wd, cfg.At, 2*time.Minute, p.startRitual); err != nil {
		return err
	}
	// A restart between start and lock must re-arm the continuation at
	// the original absolute deadline.
	return p.deps.Scheduler.AddOnce("winddown.recover", time.Now().Add(5*time.Second), time.Minute, func(c context.Context) error {
		p.recover(c)
		return nil
	})
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.deps.Scheduler.Remove("winddown.start")
	p.deps.Scheduler.Remove("winddown.lock")
	return nil
}

func (p *Plugin) Commands() []core.Command {
	return []core.Command{{
		Name:        "winddown",
		Description: "start the wind-down ritual now",
		Usage:       "/winddown",
		Access:      core.AccessStaff,
		Handle: func(ctx context.Context, req *core.Request) error {
			return p.startRitual(ctx)
		},
	}}
}

func (p *Plugin) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Plugin) lockAfter() time.Duration {
	d, _ := time.ParseDuration(p.config().LockAfter)
	return d
}

// lastRitual finds the newest prompt artifact and whether a summary
// was already posted after it.
func (p *Plugin) lastRitual(ctx context.Context, cfg Config) (startedAt time.Time, summarized bool) {
	self := p.deps.Gateway.Self()
	p.deps.Scanner.Scan(ctx, cfg.Scope, reconcile.ScanOptions{MaxItems: cfg.ScanWindow}, func(m gateway.Message) bool {
		if m.AuthorID != self || len(m.Embeds) == 0 {
			return true
		}
		switch m.Embeds[0].Footer {
		case summaryMarker:
			summarized = true
			return true
		case promptMarker:
			startedAt = m.CreatedAt
			return false
		}
		return true
	})
	return startedAt, summarized
}

// activePrompt finds a recent prompt artifact. It returns the start
// time of the running ritual, or the zero time when none is active.
func (p *Plugin) activePrompt(ctx context.Context, cfg Config) time.Time {
	startedAt, _ := p.lastRitual(ctx, cfg)
	if startedAt.IsZero() {
		return time.Time{}
	}
	if p.deps.Clock.Now().Sub(startedAt) >= p.lockAfter() {
		// previous ritual; the recovery pass closes it if its lock
		// never fired
		return time.Time{}
	}
	return startedAt
}

func (p *Plugin) startRitual(ctx context.Context) error {
	cfg := p.config()
	if cfg.Scope == 0 {
		return fmt.Errorf("winddown: scope not configured")
	}

	if started := p.activePrompt(ctx, cfg); !started.IsZero() {
		p.log.Info("wind-down already running", logx.Time("started_at", started))
		p.armLock(started)
		return nil
	}

	unlocked := false
	slow, _ := time.ParseDuration(cfg.Slowmode)
	if err := p.deps.Gateway.EditScope(ctx, cfg.Scope, gateway.ScopeSettings{SendLocked: &unlocked, Slowmode: &slow}); err != nil {
		return fmt.Errorf("opening scope: %w", err)
	}

	startedAt := p.deps.Clock.Now()
	_, err := p.deps.Gateway.Send(ctx, cfg.Scope, gateway.Outgoing{
		Embed: &gateway.Embed{
			Title:       "Wind-down",
			Description: "The week is done. Take a breath and share how it went; the floor closes in 24 hours.",
			Footer:      promptMarker,
		},
	})
	if err != nil {
		return fmt.Errorf("posting prompt: %w", err)
	}

	p.armLock(startedAt)
	p.log.Info("wind-down started", logx.Time("lock_at", startedAt.Add(p.lockAfter())))
	return nil
}

func (p *Plugin) armLock(startedAt time.Time) {
	deadline := startedAt.Add(p.lockAfter())
	err := p.deps.Scheduler.AddOnce("winddown.lock", deadline, 2*time.Minute, func(ctx context.Context) error {
		return p.lockAndSummarize(ctx, startedAt)
	})
	if err != nil {
		p.log.Error("lock scheduling failed", logx.Err(err))
	}
}

// recover re-derives ritual state from scope history after a restart.
func (p *Plugin) recover(ctx context.Context) {
	cfg := p.config()
	if cfg.Scope == 0 {
		return
	}
	started, summarized := p.lastRitual(ctx, cfg)
	if started.IsZero() || summarized {
		return
	}
	if p.deps.Clock.Now().Sub(started) >= p.lockAfter() {
		// The deadline passed while the process was down; close the
		// floor now instead of leaving it open until next week.
		p.log.Info("wind-down deadline missed while down; closing now",
			logx.Time("started_at", started))
		if err := p.lockAndSummarize(ctx, started); err != nil {
			p.log.Error("late close failed", logx.Err(err))
		}
		return
	}
	p.log.Info("wind-down in flight; re-arming lock",
		logx.Time("started_at", started), logx.Time("lock_at", started.Add(p.lockAfter())))
	p.armLock(started)
}

func (p *Plugin) lockAndSummarize(ctx context.Context, startedAt time.Time) error {
	cfg := p.config()

	locked := true
	noSlow := time.Duration(0)
	if err := p.deps.Gateway.EditScope(ctx, cfg.Scope, gateway.ScopeSettings{SendLocked: &locked, Slowmode: &noSlow}); err != nil {
		return fmt.Errorf("locking scope: %w", err)
	}

	// tally who shared since the prompt
	participants := map[gateway.UserID]bool{}
	messages := 0
	self := p.deps.Gateway.Self()
	p.deps.Scanner.Scan(ctx, cfg.Scope, reconcile.ScanOptions{MaxItems: 500, Cutoff: startedAt}, func(m gateway.Message) bool {
		if m.AuthorID == self || m.AuthorBot {
			return true
		}
		participants[m.AuthorID] = true
		messages++
		return true
	})

	desc := "The floor is closed. Rest well and see you next week."
	if len(participants) > 0 {
		desc = fmt.Sprintf("%d of you shared %d thoughts this time. The floor is closed; rest well and see you next week.",
			len(participants), messages)
	}
	_, err := p.deps.Gateway.Send(ctx, cfg.Scope, gateway.Outgoing{
		Embed: &gateway.Embed{Title: "Wind-down closed", Description: desc, Footer: summaryMarker},
	})
	if err != nil {
		return fmt.Errorf("posting summary: %w", err)
	}
	p.log.Info("wind-down locked",
		logx.Int("participants", len(participants)), logx.Int("messages", messages))
	return nil
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
