// Package gateway defines the chat-platform boundary: the events the
// platform delivers and the operations the bot may perform against it.
//
// The concrete connection/transport is a collaborator outside this
// repository; everything in here is expressed against opaque snowflake
// identifiers and a small set of sentinel errors so that plugins and the
// reconciliation engine never import a platform SDK directly.
package gateway

import (
	"context"
	"errors"
	"time"
)

// Snowflake identifiers for platform entities. They are distinct types
// so a user id can't be passed where a scope id is expected.
type (
	UserID    int64
	ScopeID   int64
	RoleID    int64
	MessageID int64
)

// Sentinel errors for platform call failures. Transient/rate-limit
// retries are the adapter's responsibility; callers here only branch on
// these terminal outcomes.
var (
	ErrForbidden   = errors.New("gateway: forbidden")
	ErrNotFound    = errors.New("gateway: not found")
	ErrRateLimited = errors.New("gateway: rate limited")
)

type EventKind string

const (
	EventReady           EventKind = "ready"
	EventMessageCreated  EventKind = "message"
	EventReactionAdded   EventKind = "reaction_add"
	EventReactionRemoved EventKind = "reaction_remove"
	EventInteraction     EventKind = "interaction"
)

// Event is a single gateway delivery. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind        EventKind
	Message     *Message
	Reaction    *Reaction
	Interaction *Interaction
}

type Message struct {
	ID          MessageID
	ScopeID     ScopeID
	AuthorID    UserID
	AuthorName  string
	AuthorBot   bool
	Content     string
	Attachments []Attachment
	Embeds      []Embed
	// ReplyTo is non-zero when the message is a reply to another message.
	ReplyTo   MessageID
	Pinned    bool
	CreatedAt time.Time
}

type Attachment struct {
	URL         string
	Filename    string
	ContentType string
}

type Embed struct {
	Title       string
	Description string
	Footer      string
	ImageURL    string
	Fields      []EmbedField
}

type EmbedField struct {
	Name  string
	Value string
}

type Reaction struct {
	ScopeID   ScopeID
	MessageID MessageID
	UserID    UserID
	Emoji     string
}

// Interaction is an interactive-control invocation (a button press on a
// system-authored artifact). Control carries the opaque custom id the
// artifact was published with; plugins route on its prefix.
type Interaction struct {
	ID        string
	ScopeID   ScopeID
	MessageID MessageID
	UserID    UserID
	Control   string
}

// MessageRef points at a published message.
type MessageRef struct {
	ScopeID   ScopeID
	MessageID MessageID
}

// Outgoing is a message to publish. Controls become interactive buttons
// attached to the message; their values are echoed back in
// Interaction.Control.
type Outgoing struct {
	Content  string
	Embed    *Embed
	Controls []Control
}

type Control struct {
	Label string
	ID    string
}

// ScopeInfo describes a scope (channel). Tag is the scope's free-form
// descriptive field; ticket scopes store the subject id there so open
// tickets survive process restarts without any durable pointer.
type ScopeInfo struct {
	ID         ScopeID
	Name       string
	CategoryID ScopeID
	Tag        string
}

// CreateScope describes a private scope to create. Only the listed
// members (plus the staff role) can view it.
type CreateScope struct {
	Name       string
	CategoryID ScopeID
	Tag        string
	ViewerIDs  []UserID
	ViewerRole RoleID
}

// ScopeSettings are the mutable posting controls of a scope. Nil fields
// are left unchanged.
type ScopeSettings struct {
	SendLocked *bool
	Slowmode   *time.Duration
}

// Gateway is the full operation surface consumed by the bot. All calls
// block until the platform acknowledges them and may fail with the
// sentinel errors above.
type Gateway interface {
	// Start begins delivering events on out. It returns once the
	// connection is established; delivery continues until ctx ends.
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	// Self is the bot's own user id (valid after Start).
	Self() UserID

	Send(ctx context.Context, scope ScopeID, msg Outgoing) (MessageRef, error)
	Delete(ctx context.Context, ref MessageRef) error
	Pin(ctx context.Context, ref MessageRef) error

	// History returns up to limit messages from scope, newest first,
	// strictly older than before (0 means "from the latest").
	History(ctx context.Context, scope ScopeID, before MessageID, limit int) ([]Message, error)

	AddReaction(ctx context.Context, ref MessageRef, emoji string) error
	RemoveReaction(ctx context.Context, ref MessageRef, user UserID, emoji string) error

	AddRole(ctx context.Context, user UserID, role RoleID) error
	RemoveRole(ctx context.Context, user UserID, role RoleID) error
	HasRole(ctx context.Context, user UserID, role RoleID) (bool, error)
	MemberName(ctx context.Context, user UserID) (string, error)

	NewScope(ctx context.Context, req CreateScope) (ScopeID, error)
	DropScope(ctx context.Context, scope ScopeID) error
	EditScope(ctx context.Context, scope ScopeID, set ScopeSettings) error
	// ScopesIn lists the scopes under a category.
	ScopesIn(ctx context.Context, category ScopeID) ([]ScopeInfo, error)

	// Whisper sends a private notice to a user (best-effort,
	// at-least-once; users may have DMs disabled).
	Whisper(ctx context.Context, user UserID, text string) error

	// Acknowledge answers an interaction with a short private note.
	Acknowledge(ctx context.Context, interactionID string, text string) error
}
