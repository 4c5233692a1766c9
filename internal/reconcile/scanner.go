// Package reconcile holds the generic reconciliation engine: a bounded
// history scanner, an at-most-once-per-day rate-limit policy, and an
// idempotent singleton publisher. The concrete jobs under plugins/ are
// thin configurations of these three pieces.
package reconcile

import (
	"context"
	"errors"
	"time"

	"grovebot/internal/gateway"
	logx "grovebot/pkg/logx"
)

const defaultPageSize = 50

// ScanOptions bounds a history scan. MaxItems caps how many messages
// are visited; a non-zero Cutoff stops the scan at the first message
// older than it (history is delivered newest first).
type ScanOptions struct {
	MaxItems int
	Cutoff   time.Time
}

// Scanner replays a bounded window of a scope's history. It is a
// best-effort view: an inaccessible scope yields nothing, and callers
// must not treat "nothing yielded" as proof of absence for anything
// that must never be re-processed. Durable facts belong in storage.
type Scanner struct {
	gw       gateway.Gateway
	log      logx.Logger
	pageSize int
}

func NewScanner(gw gateway.Gateway, log logx.Logger) *Scanner {
	return &Scanner{gw: gw, log: log, pageSize: defaultPageSize}
}

// Scan visits messages in scope newest-first, calling yield for each
// until yield returns false, the bounds are hit, or history is
// exhausted. Pagination against the gateway is handled here.
func (s *Scanner) Scan(ctx context.Context, scope gateway.ScopeID, opts ScanOptions, yield func(gateway.Message) bool) {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = defaultPageSize
	}

	var before gateway.MessageID
	seen := 0
	for seen < maxItems {
		page := s.pageSize
		if rem := maxItems - seen; rem < page {
			page = rem
		}
		msgs, err := s.gw.History(ctx, scope, before, page)
		if err != nil {
			if !errors.Is(err, gateway.ErrForbidden) && !errors.Is(err, gateway.ErrNotFound) {
				s.log.Warn("history scan failed", logx.Int64("scope", int64(scope)), logx.Err(err))
			}
			return
		}
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			if !opts.Cutoff.IsZero() && m.CreatedAt.Before(opts.Cutoff) {
				return
			}
			seen++
			if !yield(m) {
				return
			}
			if seen >= maxItems {
				return
			}
		}
		before = msgs[len(msgs)-1].ID
	}
}
