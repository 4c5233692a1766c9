// Package ops provides operational commands for checking on the bot:
// liveness, runtime stats, and recent scheduled-job outcomes.
package ops

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"grovebot/internal/core"
	logx "grovebot/pkg/logx"
)

type Plugin struct {
	log  logx.Logger
	deps core.PluginDeps

	startedAt time.Time
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "ops" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.deps = deps
	p.log = deps.Log.With(logx.String("plugin", p.Name()))
	if p.startedAt.IsZero() {
		p.startedAt = time.Now()
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

func (p *Plugin) Commands() []core.Command {
	return []core.Command{
		{
			Name:        "ping",
			Description: "liveness check",
			Usage:       "/ping",
			Access:      core.AccessEveryone,
			Handle: func(ctx context.Context, req *core.Request) error {
				return req.Gateway.Whisper(ctx, req.FromID, "pong, up "+durRel(time.Since(p.startedAt)))
			},
		},
		{
			Name:        "status",
			Description: "runtime stats",
			Usage:       "/status",
			Access:      core.AccessStaff,
			Handle:      p.cmdStatus,
		},
		{
			Name:        "jobs",
			Description: "recent scheduled-job runs",
			Usage:       "/jobs",
			Access:      core.AccessStaff,
			Handle:      p.cmdJobs,
		},
	}
}

func (p *Plugin) cmdStatus(ctx context.Context, req *core.Request) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	lines := []string{
		"status:",
		"- uptime: " + durRel(time.Since(p.startedAt)),
		"- go: " + runtime.Version(),
		fmt.Sprintf("- goroutines: %d", runtime.NumGoroutine()),
		"- mem_alloc: " + fmtBytes(m.Alloc),
		"- mem_sys: " + fmtBytes(m.Sys),
	}
	return req.Gateway.Whisper(ctx, req.FromID, strings.Join(lines, "\n"))
}

func (p *Plugin) cmdJobs(ctx context.Context, req *core.Request) error {
	hist := p.deps.Scheduler.History()
	if len(hist) == 0 {
		return req.Gateway.Whisper(ctx, req.FromID, "no job runs recorded yet")
	}

	// newest last in the ring; show the tail, newest first
	const max = 15
	if len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	lines := make([]string, 0, len(hist)+1)
	lines = append(lines, "recent job runs:")
	for i := len(hist) - 1; i >= 0; i-- {
		h := hist[i]
		outcome := "ok"
		if h.Error != "" {
			outcome = "error: " + h.Error
		}
		lines = append(lines, fmt.Sprintf("- %s %s (%s) %s",
			h.Started.UTC().Format("01-02 15:04"), h.Name, durRel(h.Duration), outcome))
	}
	return req.Gateway.Whisper(ctx, req.FromID, strings.Join(lines, "\n"))
}

func fmtBytes(n uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1fGB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1fKB", float64(n)/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
