package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"grovebot/internal/gateway"
	"grovebot/internal/gateway/memory"
	logx "grovebot/pkg/logx"
)

func seedHistory(gw *memory.Gateway, scope gateway.ScopeID, n int, base time.Time) []gateway.Message {
	msgs := make([]gateway.Message, 0, n)
	for i := 0; i < n; i++ {
		m := gw.SeedMessage(scope, gateway.UserID(100+i), fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Minute))
		msgs = append(msgs, m)
	}
	return msgs
}

func TestScanNewestFirst(t *testing.T) {
	t.Parallel()
	gw := memory.New()
	gw.AddScope(10, "photos")
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	seeded := seedHistory(gw, 10, 5, base)

	s := NewScanner(gw, logx.Nop())
	var got []gateway.MessageID
	s.Scan(context.Background(), 10, ScanOptions{MaxItems: 10}, func(m gateway.Message) bool {
		got = append(got, m.ID)
		return true
	})

	if len(got) != 5 {
		t.Fatalf("want 5 messages, got %d", len(got))
	}
	for i, id := range got {
		want := seeded[len(seeded)-1-i].ID
		if id != want {
			t.Fatalf("position %d: got id %d, want %d", i, id, want)
		}
	}
}

func TestScanPaginates(t *testing.T) {
	t.Parallel()
	gw := memory.New()
	gw.AddScope(10, "photos")
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	// More messages than one history page so the scan has to walk
	// multiple pages through the before cursor.
	seedHistory(gw, 10, 130, base)

	s := NewScanner(gw, logx.Nop())
	seen := 0
	s.Scan(context.Background(), 10, ScanOptions{MaxItems: 120}, func(m gateway.Message) bool {
		seen++
		return true
	})
	if seen != 120 {
		t.Fatalf("want 120 visited messages, got %d", seen)
	}
}

func TestScanStopsAtCutoff(t *testing.T) {
	t.Parallel()
	gw := memory.New()
	gw.AddScope(10, "photos")
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	seedHistory(gw, 10, 10, base)

	s := NewScanner(gw, logx.Nop())
	seen := 0
	cutoff := base.Add(5 * time.Minute)
	s.Scan(context.Background(), 10, ScanOptions{MaxItems: 100, Cutoff: cutoff}, func(m gateway.Message) bool {
		if m.CreatedAt.Before(cutoff) {
			t.Fatalf("yielded message older than cutoff: %v", m.CreatedAt)
		}
		seen++
		return true
	})
	if seen != 5 {
		t.Fatalf("want 5 messages at or after cutoff, got %d", seen)
	}
}

func TestScanStopsWhenYieldReturnsFalse(t *testing.T) {
	t.Parallel()
	gw := memory.New()
	gw.AddScope(10, "photos")
	seedHistory(gw, 10, 10, time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC))

	s := NewScanner(gw, logx.Nop())
	seen := 0
	s.Scan(context.Background(), 10, ScanOptions{MaxItems: 100}, func(m gateway.Message) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Fatalf("want scan to stop after 3 messages, got %d", seen)
	}
}

func TestScanInaccessibleScopeYieldsNothing(t *testing.T) {
	t.Parallel()
	gw := memory.New()
	gw.AddScope(10, "photos")
	seedHistory(gw, 10, 3, time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC))
	gw.Forbid(10)

	s := NewScanner(gw, logx.Nop())
	s.Scan(context.Background(), 10, ScanOptions{MaxItems: 100}, func(m gateway.Message) bool {
		t.Fatalf("unexpected message %d from forbidden scope", m.ID)
		return false
	})

	// Unknown scope behaves the same way.
	s.Scan(context.Background(), 999, ScanOptions{MaxItems: 100}, func(m gateway.Message) bool {
		t.Fatalf("unexpected message %d from unknown scope", m.ID)
		return false
	})
}
