package featured

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/gateway/memory"
	"grovebot/internal/reconcile"
	"grovebot/internal/storage"
	logx "grovebot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestPlugin(t *testing.T, rawConfig string) (*Plugin, *memory.Gateway, storage.Store, *fakeClock) {
	t.Helper()
	gw := memory.New()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{t: time.Date(2026, 8, 28, 18, 0, 0, 0, time.UTC)} // a Friday
	scanner := reconcile.NewScanner(gw, logx.Nop())
	deps := core.PluginDeps{
		Log:       logx.Nop(),
		Gateway:   gw,
		Store:     st,
		Scanner:   scanner,
		Publisher: reconcile.NewPublisher(gw, scanner, logx.Nop()),
		Policy:    reconcile.NewPolicy(st, clock),
		Clock:     clock,
	}

	p := New()
	ctx := context.Background()
	if err := p.Init(ctx, deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.OnConfigChange(ctx, json.RawMessage(rawConfig)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	return p, gw, st, clock
}

func imageAtt(url string) gateway.Attachment {
	return gateway.Attachment{URL: url, Filename: "photo.jpg", ContentType: "image/jpeg"}
}

func featuredEmbeds(gw *memory.Gateway, scope gateway.ScopeID) []gateway.Embed {
	var out []gateway.Embed
	for _, m := range gw.Messages(scope) {
		if len(m.Embeds) > 0 && m.Embeds[0].ImageURL != "" {
			out = append(out, m.Embeds[0])
		}
	}
	return out
}

func TestRotatePrefersRecentWork(t *testing.T) {
	t.Parallel()
	p, gw, st, clock := newTestPlugin(t, `{"source_scopes":[10],"target_scope":20}`)
	gw.AddScope(10, "photos")
	gw.AddScope(20, "showcase")
	ctx := context.Background()
	now := clock.Now()

	gw.SeedMessage(10, 42, "old one", now.AddDate(0, 0, -20), imageAtt("https://cdn.example/old.jpg"))
	gw.SeedMessage(10, 43, "fresh", now.AddDate(0, 0, -2), imageAtt("https://cdn.example/fresh.jpg"))

	if err := p.rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	embeds := featuredEmbeds(gw, 20)
	if len(embeds) != 1 {
		t.Fatalf("want 1 featured post, got %d", len(embeds))
	}
	if embeds[0].ImageURL != "https://cdn.example/fresh.jpg" {
		t.Fatalf("rotation picked %q, want the image from the 7-day window", embeds[0].ImageURL)
	}
	featured, err := st.IsFeatured(ctx, "https://cdn.example/fresh.jpg")
	if err != nil || !featured {
		t.Fatalf("winner should be recorded as featured (featured=%v err=%v)", featured, err)
	}
}

func TestRotateWidensWindow(t *testing.T) {
	t.Parallel()
	p, gw, _, clock := newTestPlugin(t, `{"source_scopes":[10],"target_scope":20}`)
	gw.AddScope(10, "photos")
	gw.AddScope(20, "showcase")
	ctx := context.Background()

	// Nothing this week; the only candidate is 20 days old, so the
	// rotation has to fall back to the 30-day window.
	gw.SeedMessage(10, 42, "from earlier this month", clock.Now().AddDate(0, 0, -20), imageAtt("https://cdn.example/only.jpg"))

	if err := p.rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	embeds := featuredEmbeds(gw, 20)
	if len(embeds) != 1 || embeds[0].ImageURL != "https://cdn.example/only.jpg" {
		t.Fatalf("want the 30-day candidate featured, got %+v", embeds)
	}
}

func TestRotateRunsOncePerDay(t *testing.T) {
	t.Parallel()
	p, gw, _, clock := newTestPlugin(t, `{"source_scopes":[10],"target_scope":20}`)
	gw.AddScope(10, "photos")
	gw.AddScope(20, "showcase")
	ctx := context.Background()

	gw.SeedMessage(10, 42, "a", clock.Now().AddDate(0, 0, -1), imageAtt("https://cdn.example/a.jpg"))
	gw.SeedMessage(10, 43, "b", clock.Now().AddDate(0, 0, -2), imageAtt("https://cdn.example/b.jpg"))

	if err := p.rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	// A restart on rotation day re-runs the job; the day gate makes the
	// second run a no-op.
	if err := p.rotate(ctx); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	if n := len(featuredEmbeds(gw, 20)); n != 1 {
		t.Fatalf("want 1 featured post after re-run, got %d", n)
	}
}

func TestRotateRetriesAfterPublishFailure(t *testing.T) {
	t.Parallel()
	p, gw, _, clock := newTestPlugin(t, `{"source_scopes":[10],"target_scope":20}`)
	gw.AddScope(10, "photos")
	ctx := context.Background()

	gw.SeedMessage(10, 42, "a", clock.Now().AddDate(0, 0, -1), imageAtt("https://cdn.example/a.jpg"))
	gw.SeedMessage(10, 43, "b", clock.Now().AddDate(0, 0, -2), imageAtt("https://cdn.example/b.jpg"))

	// The target scope does not exist yet, so the publish fails. The day
	// record must not commit, or the failed run would burn the week.
	if err := p.rotate(ctx); err == nil {
		t.Fatal("rotate should fail when the publish fails")
	}

	gw.AddScope(20, "showcase")
	if err := p.rotate(ctx); err != nil {
		t.Fatalf("retry after publish failure: %v", err)
	}
	if n := len(featuredEmbeds(gw, 20)); n != 1 {
		t.Fatalf("want 1 featured post after retry, got %d", n)
	}
	// With the publish landed the day gate closes as usual.
	if err := p.rotate(ctx); err != nil {
		t.Fatalf("rotate after success: %v", err)
	}
	if n := len(featuredEmbeds(gw, 20)); n != 1 {
		t.Fatalf("want 1 featured post after re-run, got %d", n)
	}
}

func TestRotateNeverRepeatsAnImage(t *testing.T) {
	t.Parallel()
	p, gw, _, clock := newTestPlugin(t, `{"source_scopes":[10],"target_scope":20}`)
	gw.AddScope(10, "photos")
	gw.AddScope(20, "showcase")
	ctx := context.Background()

	gw.SeedMessage(10, 42, "only one", clock.Now().AddDate(0, 0, -1), imageAtt("https://cdn.example/once.jpg"))

	if err := p.rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if n := len(featuredEmbeds(gw, 20)); n != 1 {
		t.Fatalf("want 1 featured post, got %d", n)
	}

	// Next week: the image was featured already, and there is nothing
	// else. The rotation publishes nothing rather than repeating it.
	clock.Set(clock.Now().AddDate(0, 0, 7))
	if err := p.rotate(ctx); err != nil {
		t.Fatalf("next-week rotate: %v", err)
	}
	if n := len(featuredEmbeds(gw, 20)); n != 1 {
		t.Fatalf("featured image must never repeat; got %d posts", n)
	}
}

func TestRotateSkipsBotPosts(t *testing.T) {
	t.Parallel()
	p, gw, _, _ := newTestPlugin(t, `{"source_scopes":[10],"target_scope":20}`)
	gw.AddScope(10, "photos")
	gw.AddScope(20, "showcase")
	ctx := context.Background()

	// The only image in the sources is bot-authored (e.g. an artifact).
	if _, err := gw.Send(ctx, 10, gateway.Outgoing{Embed: &gateway.Embed{Footer: "DAILY_IMAGE_INFO"}}); err != nil {
		t.Fatalf("seed Send: %v", err)
	}
	if err := p.rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if n := len(featuredEmbeds(gw, 20)); n != 0 {
		t.Fatalf("bot posts must not be featured, got %d", n)
	}
}

func TestEnsureInfo(t *testing.T) {
	t.Parallel()
	p, gw, _, _ := newTestPlugin(t, `{"source_scopes":[10],"target_scope":20}`)
	gw.AddScope(20, "showcase")
	ctx := context.Background()

	if err := p.ensureInfo(ctx); err != nil {
		t.Fatalf("ensureInfo: %v", err)
	}
	if err := p.ensureInfo(ctx); err != nil {
		t.Fatalf("second ensureInfo: %v", err)
	}
	msgs := gw.Messages(20)
	if len(msgs) != 1 {
		t.Fatalf("want 1 info artifact, got %d", len(msgs))
	}
	if msgs[0].Embeds[0].Footer != "FEATURED_WEEKLY_INFO" {
		t.Fatalf("unexpected marker %q", msgs[0].Embeds[0].Footer)
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	if wd, err := parseWeekday("Friday"); err != nil || wd != time.Friday {
		t.Errorf("parseWeekday(Friday) = %v, %v", wd, err)
	}
	if wd, err := parseWeekday("mon"); err != nil || wd != time.Monday {
		t.Errorf("parseWeekday(mon) = %v, %v", wd, err)
	}
	if _, err := parseWeekday("someday"); err == nil {
		t.Error("invalid weekday should error")
	}
}
