// Package personallog keeps one dated logbook entry per member per day
// in the personal-update scopes and serves the logbook back through
// commands.
package personallog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/reconcile"
	"grovebot/internal/storage"
	logx "grovebot/pkg/logx"
	"grovebot/pkg/pace"
)

const maxListEntries = 25

type Config struct {
	Scopes []gateway.ScopeID `json:"scopes"`
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

func (p *Plugin) Name() string { return "personallog" }

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
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

func (p *Plugin) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// HandleEvent captures the first update of the day and rejects the rest.
func (p *Plugin) HandleEvent(ctx context.Context, ev gateway.Event) error {
	if ev.Kind != gateway.EventMessageCreated || ev.Message == nil {
		return nil
	}
	msg := ev.Message
	if msg.AuthorBot || strings.HasPrefix(strings.TrimSpace(msg.Content), "/") {
		return nil
	}
	cfg := p.config()
	if !containsScope(cfg.Scopes, msg.ScopeID) {
		return nil
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return nil
	}

	day := reconcile.DayUTC(msg.CreatedAt)
	inserted, err := p.deps.Store.InsertPersonalLog(ctx, storage.PersonalLogEntry{
		SubjectID: msg.AuthorID,
		ScopeID:   msg.ScopeID,
		LogDate:   day,
		MessageID: msg.ID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("logbook insert: %w", err)
	}
	if inserted {
		return nil
	}

	// second update of the day
	ref := gateway.MessageRef{ScopeID: msg.ScopeID, MessageID: msg.ID}
	if err := p.deps.Gateway.Delete(ctx, ref); err != nil {
		p.log.Warn("duplicate update delete failed",
			logx.Int64("author", int64(msg.AuthorID)), logx.Err(err))
	}
	if p.notices.Allow(int64(msg.AuthorID)) {
		_ = p.deps.Gateway.Whisper(ctx, msg.AuthorID,
			"You already posted today's update. Edit your existing post or wait for tomorrow.")
	}
	return nil
}

func (p *Plugin) Commands() []core.Command {
	return []core.Command{
		{
			Name:        "mylog",
			Description: "show your recent logbook entries",
			Usage:       "/mylog [count]",
			Access:      core.AccessEveryone,
			Handle:      p.cmdMyLog,
		},
		{
			Name:        "mylogday",
			Description: "show your entry for a specific date",
			Usage:       "/mylogday YYYY-MM-DD",
			Access:      core.AccessEveryone,
			Handle:      p.cmdMyLogDay,
		},
		{
			Name:        "userlog",
			Description: "show another member's recent entries",
			Usage:       "/userlog <user-id> [count]",
			Access:      core.AccessStaff,
			Handle:      p.cmdUserLog,
		},
	}
}

func (p *Plugin) cmdMyLog(ctx context.Context, req *core.Request) error {
	n := 7
	if len(req.Args) > 0 {
		if v, err := strconv.Atoi(req.Args[0]); err == nil && v > 0 {
			n = v
		}
	}
	return p.whisperEntries(ctx, req.FromID, req.FromID, n)
}

func (p *Plugin) cmdMyLogDay(ctx context.Context, req *core.Request) error {
	if len(req.Args) == 0 {
		return p.deps.Gateway.Whisper(ctx, req.FromID, "Usage: /mylogday YYYY-MM-DD")
	}
	day := req.Args[0]
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return p.deps.Gateway.Whisper(ctx, req.FromID, "That date does not look right. Use YYYY-MM-DD.")
	}
	e, err := p.deps.Store.PersonalLogByDate(ctx, req.FromID, day)
	if err != nil {
		return err
	}
	if e == nil {
		return p.deps.Gateway.Whisper(ctx, req.FromID, "No entry for "+day+".")
	}
	return p.deps.Gateway.Whisper(ctx, req.FromID, formatEntry(*e))
}

func (p *Plugin) cmdUserLog(ctx context.Context, req *core.Request) error {
	if len(req.Args) == 0 {
		return p.deps.Gateway.Whisper(ctx, req.FromID, "Usage: /userlog <user-id> [count]")
	}
	id, err := strconv.ParseInt(strings.Trim(req.Args[0], "<@>"), 10, 64)
	if err != nil || id <= 0 {
		return p.deps.Gateway.Whisper(ctx, req.FromID, "That does not look like a user id.")
	}
	n := 7
	if len(req.Args) > 1 {
		if v, err := strconv.Atoi(req.Args[1]); err == nil && v > 0 {
			n = v
		}
	}
	return p.whisperEntries(ctx, req.FromID, gateway.UserID(id), n)
}

func (p *Plugin) whisperEntries(ctx context.Context, to, subject gateway.UserID, n int) error {
	if n > maxListEntries {
		n = maxListEntries
	}
	entries, err := p.deps.Store.RecentPersonalLog(ctx, subject, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return p.deps.Gateway.Whisper(ctx, to, "No logbook entries yet.")
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(formatEntry(e))
		b.WriteByte('\n')
	}
	return p.deps.Gateway.Whisper(ctx, to, b.String())
}

func formatEntry(e storage.PersonalLogEntry) string {
	content := truncateRunes(e.Content, 300)
	if content == "" {
		content = "(attachment only)"
	}
	return e.LogDate + ": " + content
}

// truncateRunes cuts on a rune boundary so a multi-byte character is
// never split mid-sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func containsScope(scopes []gateway.ScopeID, s gateway.ScopeID) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}
