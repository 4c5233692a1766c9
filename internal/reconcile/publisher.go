package reconcile

import (
	"context"

	"grovebot/internal/gateway"
	logx "grovebot/pkg/logx"
)

// EnsureOptions configures singleton-artifact reconciliation.
//
// Marker identifies the artifact: a message counts as "the" artifact
// when it is authored by the bot, carries an embed, and (when Marker is
// non-empty) the embed footer equals Marker. Window bounds the history
// scan; Pin re-pins a found artifact whose pinned flag has drifted.
type EnsureOptions struct {
	Marker string
	Window int
	Pin    bool
}

// Publisher guarantees a singleton artifact exists in a scope,
// re-creating it when it has disappeared. Safe to call on a fixed
// interval: every call after the first is a no-op scan.
//
// Two overlapping calls can both miss-detect and both publish; the
// degraded outcome is one extra message, which this publisher does not
// delete. That race is accepted rather than papered over with locking.
type Publisher struct {
	gw      gateway.Gateway
	scanner *Scanner
	log     logx.Logger
}

func NewPublisher(gw gateway.Gateway, scanner *Scanner, log logx.Logger) *Publisher {
	return &Publisher{gw: gw, scanner: scanner, log: log}
}

// Ensure returns a reference to the existing artifact in scope, or
// publishes factory() and returns the new reference. The factory runs
// at most once per missing artifact.
func (p *Publisher) Ensure(ctx context.Context, scope gateway.ScopeID, opts EnsureOptions, factory func() gateway.Outgoing) (gateway.MessageRef, error) {
	window := opts.Window
	if window <= 0 {
		window = 20
	}

	self := p.gw.Self()
	var found *gateway.Message
	p.scanner.Scan(ctx, scope, ScanOptions{MaxItems: window}, func(m gateway.Message) bool {
		if m.AuthorID != self || len(m.Embeds) == 0 {
			return true
		}
		if opts.Marker != "" && m.Embeds[0].Footer != opts.Marker {
			return true
		}
		found = &m
		return false
	})

	if found != nil {
		ref := gateway.MessageRef{ScopeID: scope, MessageID: found.ID}
		if opts.Pin && !found.Pinned {
			if err := p.gw.Pin(ctx, ref); err != nil {
				p.log.Warn("artifact re-pin failed", logx.Int64("scope", int64(scope)), logx.Err(err))
			}
		}
		return ref, nil
	}

	out := factory()
	ref, err := p.gw.Send(ctx, scope, out)
	if err != nil {
		return gateway.MessageRef{}, err
	}
	p.log.Info("artifact published",
		logx.Int64("scope", int64(scope)), logx.String("marker", opts.Marker))
	if opts.Pin {
		if err := p.gw.Pin(ctx, ref); err != nil {
			p.log.Warn("artifact pin failed", logx.Int64("scope", int64(scope)), logx.Err(err))
		}
	}
	return ref, nil
}
