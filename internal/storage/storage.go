// Package storage is the durable state layer: restart-safe records that
// the live handlers and the reconciliation jobs share. Every uniqueness
// guarantee the bot relies on (one action per subject per day, one
// feature per image URL, one logbook entry per day) lives here as a
// primary key plus an atomic insert-if-absent, never as a
// check-then-write in Go code.
package storage

import (
	"context"
	"errors"
	"time"

	"grovebot/internal/gateway"
)

var ErrClosed = errors.New("storage closed")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ActionRecord marks "this subject already did kind in scope on day".
// Day is a UTC calendar date in YYYY-MM-DD form.
type ActionRecord struct {
	SubjectID gateway.UserID
	ScopeID   gateway.ScopeID
	Day       string
	Kind      string
	CreatedAt time.Time
}

// FeaturedItem records a published weekly feature. ContentURL is the
// sole de-duplication key: an image URL is featured at most once, ever.
type FeaturedItem struct {
	ContentURL    string
	SourceScopeID gateway.ScopeID
	OriginRef     string
	AuthorID      gateway.UserID // 0 when unknown
	FeaturedAt    time.Time
}

// PersonalLogEntry is a text snapshot of a member's daily update. The
// content is captured at insert time and never re-fetched from the
// platform.
type PersonalLogEntry struct {
	SubjectID gateway.UserID
	ScopeID   gateway.ScopeID
	LogDate   string
	MessageID gateway.MessageID
	Content   string
	CreatedAt time.Time
}

// MemberAcceptance is the durable mirror of the live member-role flag.
// The two are kept consistent best-effort only; see the rules plugin.
type MemberAcceptance struct {
	SubjectID   gateway.UserID
	DisplayName string
	AcceptedAt  time.Time
}

// Store is the persistence API used by the policy engine and plugins.
type Store interface {
	// TryRecordAction atomically inserts the (subject, scope, day, kind)
	// record. It reports true when the record was inserted (first action
	// of the day) and false when it already existed. Concurrent calls
	// for the same key yield exactly one true.
	TryRecordAction(ctx context.Context, subject gateway.UserID, scope gateway.ScopeID, day, kind string) (bool, error)

	// ActionExists is a read-only fast-path check. It is an
	// optimization, not a correctness boundary.
	ActionExists(ctx context.Context, subject gateway.UserID, scope gateway.ScopeID, day, kind string) (bool, error)

	// PruneActions deletes all action records with day < cutoffDay.
	PruneActions(ctx context.Context, cutoffDay string) (int64, error)

	IsFeatured(ctx context.Context, contentURL string) (bool, error)
	RecordFeatured(ctx context.Context, item FeaturedItem) error

	// InsertPersonalLog atomically inserts the entry; false when an
	// entry for (subject, scope, log_date) already exists.
	InsertPersonalLog(ctx context.Context, e PersonalLogEntry) (bool, error)
	PersonalLogExists(ctx context.Context, subject gateway.UserID, scope gateway.ScopeID, logDate string) (bool, error)
	RecentPersonalLog(ctx context.Context, subject gateway.UserID, limit int) ([]PersonalLogEntry, error)
	PersonalLogByDate(ctx context.Context, subject gateway.UserID, logDate string) (*PersonalLogEntry, error)

	// UpsertMember replaces any prior acceptance for the subject.
	UpsertMember(ctx context.Context, m MemberAcceptance) error
	DeleteMember(ctx context.Context, subject gateway.UserID) error
	ListMembers(ctx context.Context) ([]MemberAcceptance, error)

	Close() error
}
