package reconcile

import (
	"context"

	"grovebot/internal/gateway"
	"grovebot/internal/storage"
)

// DenyReason explains a Denied decision. Denials are normal control
// flow, not errors.
type DenyReason string

const DenyAlreadyActedToday DenyReason = "already_acted_today"

type Decision struct {
	Permitted bool
	Reason    DenyReason
}

// Policy is the per-day rate limit: at most one action per (subject,
// scope, day, kind). The single TryRecordAction call is both the check
// and the commit, so concurrent duplicate submissions cannot both pass.
//
// Content validity (does the submission even qualify) is the caller's
// concern and must be settled before invoking the policy; the policy
// only governs frequency.
type Policy struct {
	store storage.Store
	clock Clock
}

func NewPolicy(store storage.Store, clock Clock) *Policy {
	if clock == nil {
		clock = SystemClock()
	}
	return &Policy{store: store, clock: clock}
}

// Today is the current UTC calendar date.
func (p *Policy) Today() string { return DayUTC(p.clock.Now()) }

// CheckAndRecord permits the first action of the UTC day and records it
// in the same atomic step. Callers that receive Permitted have already
// consumed today's allowance; there is no separate commit.
func (p *Policy) CheckAndRecord(ctx context.Context, subject gateway.UserID, scope gateway.ScopeID, kind string) (Decision, error) {
	inserted, err := p.store.TryRecordAction(ctx, subject, scope, p.Today(), kind)
	if err != nil {
		return Decision{}, err
	}
	if !inserted {
		return Decision{Permitted: false, Reason: DenyAlreadyActedToday}, nil
	}
	return Decision{Permitted: true}, nil
}

// AlreadyActed is the read-only fast path used to reject before doing
// expensive work. It is advisory only; CheckAndRecord remains the
// correctness boundary.
func (p *Policy) AlreadyActed(ctx context.Context, subject gateway.UserID, scope gateway.ScopeID, kind string) (bool, error) {
	return p.store.ActionExists(ctx, subject, scope, p.Today(), kind)
}

// PruneBeforeToday removes action records older than the current UTC
// day. Jobs call this once at the start of their first run.
func (p *Policy) PruneBeforeToday(ctx context.Context) (int64, error) {
	return p.store.PruneActions(ctx, p.Today())
}
