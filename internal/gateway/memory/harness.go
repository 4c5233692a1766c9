package memory

import (
	"time"

	"grovebot/internal/gateway"
)

// Helpers used by tests and the memory driver to seed and inspect
// platform state without going through the event stream.

// AddScope registers a pre-existing scope (a configured channel).
func (g *Gateway) AddScope(id gateway.ScopeID, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scopes[id] = &scopeState{info: gateway.ScopeInfo{ID: id, Name: name}}
}

// Forbid makes history reads of scope fail with ErrForbidden.
func (g *Gateway) Forbid(scope gateway.ScopeID) {
	g.mu.Lock()
	g.forbidden[scope] = true
	g.mu.Unlock()
}

// SetMemberName seeds a member display name.
func (g *Gateway) SetMemberName(user gateway.UserID, name string) {
	g.mu.Lock()
	g.names[user] = name
	g.mu.Unlock()
}

// SeedMessage places a user-authored message directly into a scope's
// history, returning it as it would arrive in an event. at may be zero
// for "now".
func (g *Gateway) SeedMessage(scope gateway.ScopeID, author gateway.UserID, content string, at time.Time, atts ...gateway.Attachment) gateway.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if at.IsZero() {
		at = g.now()
	}
	m := &storedMessage{
		Message: gateway.Message{
			ID:          g.nextIDLocked(),
			ScopeID:     scope,
			AuthorID:    author,
			Content:     content,
			Attachments: atts,
			CreatedAt:   at,
		},
		reactions: map[string]map[gateway.UserID]bool{},
	}
	if st, ok := g.scopes[scope]; ok {
		st.messages = append(st.messages, m)
	}
	return m.Message
}

// Messages returns the live (non-deleted) messages of a scope in
// chronological order.
func (g *Gateway) Messages(scope gateway.ScopeID) []gateway.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.scopes[scope]
	if !ok {
		return nil
	}
	var out []gateway.Message
	for _, m := range st.messages {
		if !m.deleted {
			out = append(out, m.Message)
		}
	}
	return out
}

// Deleted reports whether the given message has been deleted.
func (g *Gateway) Deleted(ref gateway.MessageRef) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.scopes[ref.ScopeID]
	if !ok {
		return false
	}
	for _, m := range st.messages {
		if m.ID == ref.MessageID {
			return m.deleted
		}
	}
	return false
}

// Whispers returns the private notices sent to user.
func (g *Gateway) Whispers(user gateway.UserID) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.whispers[user]...)
}

// Ack returns the acknowledgement text recorded for an interaction.
func (g *Gateway) Ack(interactionID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acks[interactionID]
}

// AckSeen reports whether an interaction was acknowledged at all,
// distinguishing an empty ack from none.
func (g *Gateway) AckSeen(interactionID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.acks[interactionID]
	return s, ok
}

// ScopeLocked reports the send-lock state of a scope.
func (g *Gateway) ScopeLocked(scope gateway.ScopeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.scopes[scope]; ok {
		return st.locked
	}
	return false
}

// ScopeSlowmode reports the slowmode delay of a scope.
func (g *Gateway) ScopeSlowmode(scope gateway.ScopeID) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.scopes[scope]; ok {
		return st.slowmode
	}
	return 0
}

// ScopeExists reports whether a scope is live (created and not dropped).
func (g *Gateway) ScopeExists(scope gateway.ScopeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.scopes[scope]
	return ok && !st.dropped
}
