package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"grovebot/internal/gateway"
	"grovebot/internal/gateway/memory"
	logx "grovebot/pkg/logx"
)

func newTestCommandManager(t *testing.T) (*CommandManager, *memory.Gateway, func(gateway.Event)) {
	t.Helper()
	gw := memory.New()
	gw.AddScope(91, "general")

	cfgm := NewConfigManager(writeConfig(t, "config.yaml", validYAML))
	if _, err := cfgm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	m := NewCommandManager(logx.Nop(), gw, cfgm)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan gateway.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, events)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, gw, func(ev gateway.Event) { events <- ev }
}

func cmdEvent(scope gateway.ScopeID, author gateway.UserID, content string) gateway.Event {
	return gateway.Event{Kind: gateway.EventMessageCreated, Message: &gateway.Message{
		ID:       500,
		ScopeID:  scope,
		AuthorID: author,
		Content:  content,
	}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRouteCommand(t *testing.T) {
	var hits atomic.Int32
	var gotArgs []string
	m, _, send := newTestCommandManager(t)
	m.SetRegistry([]Command{{
		Name:    "ping",
		Aliases: []string{"p"},
		Handle: func(ctx context.Context, req *Request) error {
			gotArgs = req.Args
			hits.Add(1)
			return nil
		},
	}}, nil, nil)

	send(cmdEvent(91, 42, "/ping one two"))
	waitFor(t, func() bool { return hits.Load() == 1 })
	if len(gotArgs) != 2 || gotArgs[0] != "one" || gotArgs[1] != "two" {
		t.Errorf("args = %v", gotArgs)
	}

	send(cmdEvent(91, 42, "/p"))
	waitFor(t, func() bool { return hits.Load() == 2 })
}

func TestRouteCommandAccess(t *testing.T) {
	var hits atomic.Int32
	m, gw, send := newTestCommandManager(t)
	m.SetRegistry([]Command{{
		Name:   "lock",
		Access: AccessStaff,
		Handle: func(ctx context.Context, req *Request) error {
			hits.Add(1)
			return nil
		},
	}}, nil, nil)

	// Plain member is refused with a whisper.
	send(cmdEvent(91, 200, "/lock"))
	waitFor(t, func() bool { return len(gw.Whispers(200)) == 1 })
	if n := hits.Load(); n != 0 {
		t.Fatalf("handler ran %d times for a refused caller", n)
	}

	// Staff role passes.
	if err := gw.AddRole(context.Background(), 201, 50); err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	send(cmdEvent(91, 201, "/lock"))
	waitFor(t, func() bool { return hits.Load() == 1 })

	// Owner passes without the role.
	send(cmdEvent(91, 42, "/lock"))
	waitFor(t, func() bool { return hits.Load() == 2 })
}

func TestUnknownCommandFallsThroughToHandlers(t *testing.T) {
	var seen atomic.Int32
	m, _, send := newTestCommandManager(t)
	m.SetRegistry(nil, nil, []namedEventHandler{{
		name: "catchall",
		h: eventHandlerFunc(func(ctx context.Context, ev gateway.Event) error {
			seen.Add(1)
			return nil
		}),
	}})

	send(cmdEvent(91, 42, "/nosuch"))
	waitFor(t, func() bool { return seen.Load() == 1 })
}

func TestRouteInteraction(t *testing.T) {
	var gotPayload atomic.Value
	m, gw, send := newTestCommandManager(t)
	m.SetRegistry(nil, []CallbackRoute{{
		Plugin: "identity",
		Action: "choose",
		Handle: func(ctx context.Context, req *Request, payload string) error {
			gotPayload.Store(payload)
			return nil
		},
	}}, nil)

	send(gateway.Event{Kind: gateway.EventInteraction, Interaction: &gateway.Interaction{
		ID:      "in-1",
		ScopeID: 91,
		UserID:  42,
		Control: "identity:choose:bulk",
	}})
	waitFor(t, func() bool { return gotPayload.Load() != nil })
	if p := gotPayload.Load().(string); p != "bulk" {
		t.Errorf("payload = %q", p)
	}
	// The press is acknowledged so the client leaves its loading state.
	waitFor(t, func() bool { _, ok := gw.AckSeen("in-1"); return ok })
}

type eventHandlerFunc func(ctx context.Context, ev gateway.Event) error

func (f eventHandlerFunc) HandleEvent(ctx context.Context, ev gateway.Event) error {
	return f(ctx, ev)
}
