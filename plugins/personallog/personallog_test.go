package personallog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/gateway/memory"
	"grovebot/internal/storage"
	logx "grovebot/pkg/logx"
)

func newTestPlugin(t *testing.T) (*Plugin, *memory.Gateway, storage.Store) {
	t.Helper()
	gw := memory.New()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p := New()
	ctx := context.Background()
	deps := core.PluginDeps{Log: logx.Nop(), Gateway: gw, Store: st}
	if err := p.Init(ctx, deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.OnConfigChange(ctx, json.RawMessage(`{"scopes":[60]}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	return p, gw, st
}

func messageEvent(m gateway.Message) gateway.Event {
	return gateway.Event{Kind: gateway.EventMessageCreated, Message: &m}
}

func TestOneUpdatePerDay(t *testing.T) {
	t.Parallel()
	p, gw, st := newTestPlugin(t)
	gw.AddScope(60, "logbook")
	ctx := context.Background()
	day := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	first := gw.SeedMessage(60, 42, "day 12: bench felt heavy", day)
	if err := p.HandleEvent(ctx, messageEvent(first)); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if gw.Deleted(gateway.MessageRef{ScopeID: 60, MessageID: first.ID}) {
		t.Fatal("first update of the day must stay")
	}

	second := gw.SeedMessage(60, 42, "forgot to add: squats too", day.Add(2*time.Hour))
	if err := p.HandleEvent(ctx, messageEvent(second)); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if !gw.Deleted(gateway.MessageRef{ScopeID: 60, MessageID: second.ID}) {
		t.Fatal("second update of the day should be removed")
	}
	if len(gw.Whispers(42)) == 0 {
		t.Fatal("author should get a private notice")
	}

	// The stored snapshot is the first post, untouched by the duplicate.
	e, err := st.PersonalLogByDate(ctx, 42, "2026-08-28")
	if err != nil {
		t.Fatalf("PersonalLogByDate: %v", err)
	}
	if e == nil || e.Content != "day 12: bench felt heavy" {
		t.Fatalf("unexpected stored entry: %+v", e)
	}

	next := gw.SeedMessage(60, 42, "day 13", day.AddDate(0, 0, 1))
	if err := p.HandleEvent(ctx, messageEvent(next)); err != nil {
		t.Fatalf("next-day update: %v", err)
	}
	if gw.Deleted(gateway.MessageRef{ScopeID: 60, MessageID: next.ID}) {
		t.Fatal("next-day update should stay")
	}
}

func TestIgnoresCommandsAndEmptyPosts(t *testing.T) {
	t.Parallel()
	p, gw, st := newTestPlugin(t)
	gw.AddScope(60, "logbook")
	ctx := context.Background()

	cmd := gw.SeedMessage(60, 42, "/mylog", time.Time{})
	_ = p.HandleEvent(ctx, messageEvent(cmd))
	empty := gw.SeedMessage(60, 42, "   ", time.Time{})
	_ = p.HandleEvent(ctx, messageEvent(empty))

	entries, err := st.RecentPersonalLog(ctx, 42, 10)
	if err != nil {
		t.Fatalf("RecentPersonalLog: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("commands and blank posts must not be captured, got %d", len(entries))
	}
}

func TestMyLogCommand(t *testing.T) {
	t.Parallel()
	p, gw, st := newTestPlugin(t)
	gw.AddScope(60, "logbook")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		day := time.Date(2026, 8, 26+i, 9, 0, 0, 0, time.UTC)
		_, err := st.InsertPersonalLog(ctx, storage.PersonalLogEntry{
			SubjectID: 42,
			ScopeID:   60,
			LogDate:   day.Format("2006-01-02"),
			MessageID: gateway.MessageID(700 + i),
			Content:   "entry " + day.Format("2006-01-02"),
			CreatedAt: day,
		})
		if err != nil {
			t.Fatalf("seed day %d: %v", i, err)
		}
	}

	req := &core.Request{FromID: 42, Args: []string{"2"}}
	if err := p.cmdMyLog(ctx, req); err != nil {
		t.Fatalf("cmdMyLog: %v", err)
	}
	ws := gw.Whispers(42)
	if len(ws) != 1 {
		t.Fatalf("want 1 whisper, got %d", len(ws))
	}
	if !strings.Contains(ws[0], "2026-08-28") || strings.Contains(ws[0], "2026-08-26") {
		t.Fatalf("whisper should hold the 2 newest entries: %q", ws[0])
	}
}

func TestMyLogDayCommand(t *testing.T) {
	t.Parallel()
	p, gw, st := newTestPlugin(t)
	gw.AddScope(60, "logbook")
	ctx := context.Background()

	_, err := st.InsertPersonalLog(ctx, storage.PersonalLogEntry{
		SubjectID: 42, ScopeID: 60, LogDate: "2026-08-28", MessageID: 700,
		Content: "leg day", CreatedAt: time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"2026-08-28"}, "leg day"},
		{[]string{"2026-08-01"}, "No entry"},
		{[]string{"yesterday"}, "does not look right"},
		{nil, "Usage:"},
	}
	for i, c := range cases {
		if err := p.cmdMyLogDay(ctx, &core.Request{FromID: 42, Args: c.args}); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		ws := gw.Whispers(42)
		if len(ws) != i+1 {
			t.Fatalf("case %d: want %d whispers, got %d", i, i+1, len(ws))
		}
		if !strings.Contains(ws[i], c.want) {
			t.Fatalf("case %d: whisper %q should contain %q", i, ws[i], c.want)
		}
	}
}

func TestUserLogCommand(t *testing.T) {
	t.Parallel()
	p, gw, st := newTestPlugin(t)
	gw.AddScope(60, "logbook")
	ctx := context.Background()

	_, err := st.InsertPersonalLog(ctx, storage.PersonalLogEntry{
		SubjectID: 43, ScopeID: 60, LogDate: "2026-08-28", MessageID: 700,
		Content: "long run", CreatedAt: time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := p.cmdUserLog(ctx, &core.Request{FromID: 99, Args: []string{"43"}}); err != nil {
		t.Fatalf("cmdUserLog: %v", err)
	}
	ws := gw.Whispers(99)
	if len(ws) != 1 || !strings.Contains(ws[0], "long run") {
		t.Fatalf("staff whisper should hold the subject's entries: %v", ws)
	}

	if err := p.cmdUserLog(ctx, &core.Request{FromID: 99, Args: []string{"not-an-id"}}); err != nil {
		t.Fatalf("bad id: %v", err)
	}
	ws = gw.Whispers(99)
	if len(ws) != 2 || !strings.Contains(ws[1], "user id") {
		t.Fatalf("bad id should be called out: %v", ws)
	}
}

func TestFormatEntryTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	// 331 bytes of 3-byte runes offset by one, so the 300-byte cut
	// falls mid-sequence.
	long := "a" + strings.Repeat("€", 110)
	got := formatEntry(storage.PersonalLogEntry{LogDate: "2026-08-24", Content: long})
	if !utf8.ValidString(got) {
		t.Fatalf("preview is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("long content should be truncated: %q", got)
	}

	short := formatEntry(storage.PersonalLogEntry{LogDate: "2026-08-24", Content: "fine"})
	if short != "2026-08-24: fine" {
		t.Fatalf("short content changed: %q", short)
	}
}
