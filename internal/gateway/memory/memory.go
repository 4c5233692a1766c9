// Package memory is a self-contained gateway implementation backed by
// in-process state. It serves two jobs: the `memory` driver for local
// runs without a platform connection, and the harness the tests drive
// end-to-end scenarios through.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"grovebot/internal/gateway"
)

const selfID gateway.UserID = 1

type storedMessage struct {
	gateway.Message
	deleted   bool
	reactions map[string]map[gateway.UserID]bool
}

type scopeState struct {
	info     gateway.ScopeInfo
	messages []*storedMessage // append order = chronological
	locked   bool
	slowmode time.Duration
	dropped  bool
}

// Gateway is an in-memory gateway.Gateway. All operations are safe for
// concurrent use. The zero value is not usable; call New.
type Gateway struct {
	mu sync.Mutex

	now    func() time.Time
	nextID gateway.MessageID

	scopes map[gateway.ScopeID]*scopeState
	roles  map[gateway.UserID]map[gateway.RoleID]bool
	names  map[gateway.UserID]string

	whispers map[gateway.UserID][]string
	acks     map[string]string

	// scopes the bot may not read; History returns ErrForbidden.
	forbidden map[gateway.ScopeID]bool

	out     chan<- gateway.Event
	started bool
}

func New() *Gateway {
	return &Gateway{
		now:       time.Now,
		nextID:    100,
		scopes:    map[gateway.ScopeID]*scopeState{},
		roles:     map[gateway.UserID]map[gateway.RoleID]bool{},
		names:     map[gateway.UserID]string{},
		whispers:  map[gateway.UserID][]string{},
		acks:      map[string]string{},
		forbidden: map[gateway.ScopeID]bool{},
	}
}

// SetNow overrides the clock used for message timestamps (tests).
func (g *Gateway) SetNow(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func (g *Gateway) Start(ctx context.Context, out chan<- gateway.Event) error {
	g.mu.Lock()
	g.out = out
	g.started = true
	g.mu.Unlock()
	// Deliver ready synchronously-ish, like a platform session would.
	go func() {
		select {
		case out <- gateway.Event{Kind: gateway.EventReady}:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.started = false
	g.mu.Unlock()
	return nil
}

func (g *Gateway) Self() gateway.UserID { return selfID }

func (g *Gateway) Send(ctx context.Context, scope gateway.ScopeID, msg gateway.Outgoing) (gateway.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.scopes[scope]
	if !ok || st.dropped {
		return gateway.MessageRef{}, gateway.ErrNotFound
	}
	m := &storedMessage{
		Message: gateway.Message{
			ID:        g.nextIDLocked(),
			ScopeID:   scope,
			AuthorID:  selfID,
			AuthorBot: true,
			Content:   msg.Content,
			CreatedAt: g.now(),
		},
		reactions: map[string]map[gateway.UserID]bool{},
	}
	if msg.Embed != nil {
		m.Embeds = []gateway.Embed{*msg.Embed}
	}
	st.messages = append(st.messages, m)
	return gateway.MessageRef{ScopeID: scope, MessageID: m.ID}, nil
}

func (g *Gateway) Delete(ctx context.Context, ref gateway.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.findLocked(ref)
	if m == nil {
		return gateway.ErrNotFound
	}
	m.deleted = true
	return nil
}

func (g *Gateway) Pin(ctx context.Context, ref gateway.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.findLocked(ref)
	if m == nil {
		return gateway.ErrNotFound
	}
	m.Pinned = true
	return nil
}

func (g *Gateway) History(ctx context.Context, scope gateway.ScopeID, before gateway.MessageID, limit int) ([]gateway.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.forbidden[scope] {
		return nil, gateway.ErrForbidden
	}
	st, ok := g.scopes[scope]
	if !ok || st.dropped {
		return nil, gateway.ErrNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	out := make([]gateway.Message, 0, limit)
	for i := len(st.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := st.messages[i]
		if m.deleted {
			continue
		}
		if before != 0 && m.ID >= before {
			continue
		}
		out = append(out, m.Message)
	}
	return out, nil
}

func (g *Gateway) AddReaction(ctx context.Context, ref gateway.MessageRef, emoji string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.findLocked(ref)
	if m == nil {
		return gateway.ErrNotFound
	}
	if m.reactions[emoji] == nil {
		m.reactions[emoji] = map[gateway.UserID]bool{}
	}
	m.reactions[emoji][selfID] = true
	return nil
}

func (g *Gateway) RemoveReaction(ctx context.Context, ref gateway.MessageRef, user gateway.UserID, emoji string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.findLocked(ref)
	if m == nil {
		return gateway.ErrNotFound
	}
	if set := m.reactions[emoji]; set != nil {
		delete(set, user)
	}
	return nil
}

func (g *Gateway) AddRole(ctx context.Context, user gateway.UserID, role gateway.RoleID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.roles[user] == nil {
		g.roles[user] = map[gateway.RoleID]bool{}
	}
	g.roles[user][role] = true
	return nil
}

func (g *Gateway) RemoveRole(ctx context.Context, user gateway.UserID, role gateway.RoleID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set := g.roles[user]; set != nil {
		delete(set, role)
	}
	return nil
}

func (g *Gateway) HasRole(ctx context.Context, user gateway.UserID, role gateway.RoleID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.roles[user][role], nil
}

func (g *Gateway) MemberName(ctx context.Context, user gateway.UserID) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.names[user]; ok {
		return n, nil
	}
	return "", gateway.ErrNotFound
}

func (g *Gateway) NewScope(ctx context.Context, req gateway.CreateScope) (gateway.ScopeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := gateway.ScopeID(g.nextIDLocked())
	g.scopes[id] = &scopeState{info: gateway.ScopeInfo{
		ID:         id,
		Name:       req.Name,
		CategoryID: req.CategoryID,
		Tag:        req.Tag,
	}}
	return id, nil
}

func (g *Gateway) DropScope(ctx context.Context, scope gateway.ScopeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.scopes[scope]
	if !ok || st.dropped {
		return gateway.ErrNotFound
	}
	st.dropped = true
	return nil
}

func (g *Gateway) EditScope(ctx context.Context, scope gateway.ScopeID, set gateway.ScopeSettings) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.scopes[scope]
	if !ok || st.dropped {
		return gateway.ErrNotFound
	}
	if set.SendLocked != nil {
		st.locked = *set.SendLocked
	}
	if set.Slowmode != nil {
		st.slowmode = *set.Slowmode
	}
	return nil
}

func (g *Gateway) ScopesIn(ctx context.Context, category gateway.ScopeID) ([]gateway.ScopeInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gateway.ScopeInfo
	for _, st := range g.scopes {
		if st.dropped || st.info.CategoryID != category {
			continue
		}
		out = append(out, st.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) Whisper(ctx context.Context, user gateway.UserID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.whispers[user] = append(g.whispers[user], text)
	return nil
}

func (g *Gateway) Acknowledge(ctx context.Context, interactionID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acks[interactionID] = text
	return nil
}

func (g *Gateway) findLocked(ref gateway.MessageRef) *storedMessage {
	st, ok := g.scopes[ref.ScopeID]
	if !ok || st.dropped {
		return nil
	}
	for _, m := range st.messages {
		if m.ID == ref.MessageID && !m.deleted {
			return m
		}
	}
	return nil
}

func (g *Gateway) nextIDLocked() gateway.MessageID {
	g.nextID++
	return g.nextID
}
