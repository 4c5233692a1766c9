package intros

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"grovebot/internal/core"
	"grovebot/internal/gateway"
	"grovebot/internal/gateway/memory"
	"grovebot/internal/reconcile"
	logx "grovebot/pkg/logx"
)

func newTestPlugin(t *testing.T) (*Plugin, *memory.Gateway) {
	t.Helper()
	gw := memory.New()
	p := New()
	ctx := context.Background()
	deps := core.PluginDeps{
		Log:     logx.Nop(),
		Gateway: gw,
		Scanner: reconcile.NewScanner(gw, logx.Nop()),
	}
	if err := p.Init(ctx, deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.OnConfigChange(ctx, json.RawMessage(`{"scope":70}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	return p, gw
}

func messageEvent(m gateway.Message) gateway.Event {
	return gateway.Event{Kind: gateway.EventMessageCreated, Message: &m}
}

func TestFirstIntroductionStays(t *testing.T) {
	t.Parallel()
	p, gw := newTestPlugin(t)
	gw.AddScope(70, "introductions")
	ctx := context.Background()

	m := gw.SeedMessage(70, 42, "hi, I'm ada", time.Time{})
	if err := p.HandleEvent(ctx, messageEvent(m)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if gw.Deleted(gateway.MessageRef{ScopeID: 70, MessageID: m.ID}) {
		t.Fatal("first introduction must stay")
	}
	if len(gw.Whispers(42)) != 0 {
		t.Fatal("no notice for a first introduction")
	}
}

func TestSecondIntroductionIsRemoved(t *testing.T) {
	t.Parallel()
	p, gw := newTestPlugin(t)
	gw.AddScope(70, "introductions")
	ctx := context.Background()

	first := gw.SeedMessage(70, 42, "hi, I'm ada", time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC))
	_ = p.HandleEvent(ctx, messageEvent(first))

	second := gw.SeedMessage(70, 42, "hello again!", time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC))
	if err := p.HandleEvent(ctx, messageEvent(second)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !gw.Deleted(gateway.MessageRef{ScopeID: 70, MessageID: second.ID}) {
		t.Fatal("second introduction should be removed")
	}
	if gw.Deleted(gateway.MessageRef{ScopeID: 70, MessageID: first.ID}) {
		t.Fatal("the original introduction must stay")
	}
	if len(gw.Whispers(42)) == 0 {
		t.Fatal("author should get a private notice")
	}
}

func TestOtherMembersUnaffected(t *testing.T) {
	t.Parallel()
	p, gw := newTestPlugin(t)
	gw.AddScope(70, "introductions")
	ctx := context.Background()

	a := gw.SeedMessage(70, 42, "hi, I'm ada", time.Time{})
	_ = p.HandleEvent(ctx, messageEvent(a))
	b := gw.SeedMessage(70, 43, "hey, grace here", time.Time{})
	if err := p.HandleEvent(ctx, messageEvent(b)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if gw.Deleted(gateway.MessageRef{ScopeID: 70, MessageID: b.ID}) {
		t.Fatal("another member's first introduction must stay")
	}
}

func TestIgnoresOtherScopesAndCommands(t *testing.T) {
	t.Parallel()
	p, gw := newTestPlugin(t)
	gw.AddScope(70, "introductions")
	gw.AddScope(71, "general")
	ctx := context.Background()

	gw.SeedMessage(70, 42, "hi, I'm ada", time.Time{})
	elsewhere := gw.SeedMessage(71, 42, "chatting here", time.Time{})
	_ = p.HandleEvent(ctx, messageEvent(elsewhere))
	if gw.Deleted(gateway.MessageRef{ScopeID: 71, MessageID: elsewhere.ID}) {
		t.Fatal("messages outside the intro scope are not policed")
	}

	cmd := gw.SeedMessage(70, 42, "/mylog", time.Time{})
	_ = p.HandleEvent(ctx, messageEvent(cmd))
	if gw.Deleted(gateway.MessageRef{ScopeID: 70, MessageID: cmd.ID}) {
		t.Fatal("commands in the intro scope are not introductions")
	}
}
