package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"grovebot/internal/gateway"
	logx "grovebot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTryRecordAction(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	ok, err := st.TryRecordAction(ctx, 42, 7, "2026-08-28", "daily_image")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !ok {
		t.Fatal("first insert should report true")
	}

	ok, err = st.TryRecordAction(ctx, 42, 7, "2026-08-28", "daily_image")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok {
		t.Fatal("duplicate insert should report false")
	}

	t.Run("distinct keys stay independent", func(t *testing.T) {
		cases := []struct {
			subject gateway.UserID
			scope   gateway.ScopeID
			day     string
			kind    string
		}{
			{43, 7, "2026-08-28", "daily_image"},  // other subject
			{42, 8, "2026-08-28", "daily_image"},  // other scope
			{42, 7, "2026-08-29", "daily_image"},  // next day
			{42, 7, "2026-08-28", "nature_route"}, // other kind
		}
		for _, c := range cases {
			ok, err := st.TryRecordAction(ctx, c.subject, c.scope, c.day, c.kind)
			if err != nil {
				t.Fatalf("insert %+v: %v", c, err)
			}
			if !ok {
				t.Errorf("insert %+v: want true, got false", c)
			}
		}
	})
}

func TestTryRecordActionConcurrent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	results := make([]bool, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := st.TryRecordAction(ctx, 99, 5, "2026-08-28", "daily_image")
			if err != nil {
				t.Errorf("goroutine %d: %v", i, err)
				return
			}
			results[i] = ok
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly 1 winning insert, got %d", wins)
	}
}

func TestActionExists(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	exists, err := st.ActionExists(ctx, 1, 2, "2026-08-28", "daily_image")
	if err != nil {
		t.Fatalf("ActionExists: %v", err)
	}
	if exists {
		t.Fatal("empty store should report no record")
	}

	if _, err := st.TryRecordAction(ctx, 1, 2, "2026-08-28", "daily_image"); err != nil {
		t.Fatalf("TryRecordAction: %v", err)
	}
	exists, err = st.ActionExists(ctx, 1, 2, "2026-08-28", "daily_image")
	if err != nil {
		t.Fatalf("ActionExists: %v", err)
	}
	if !exists {
		t.Fatal("record should be visible after insert")
	}
}

func TestPruneActions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	days := []string{"2026-08-26", "2026-08-27", "2026-08-28"}
	for _, d := range days {
		if _, err := st.TryRecordAction(ctx, 1, 2, d, "daily_image"); err != nil {
			t.Fatalf("seed %s: %v", d, err)
		}
	}

	n, err := st.PruneActions(ctx, "2026-08-28")
	if err != nil {
		t.Fatalf("PruneActions: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 pruned rows, got %d", n)
	}

	// Strictly-before semantics: the cutoff day itself survives.
	exists, err := st.ActionExists(ctx, 1, 2, "2026-08-28", "daily_image")
	if err != nil {
		t.Fatalf("ActionExists: %v", err)
	}
	if !exists {
		t.Fatal("record on the cutoff day must survive pruning")
	}
	exists, _ = st.ActionExists(ctx, 1, 2, "2026-08-27", "daily_image")
	if exists {
		t.Fatal("record before the cutoff day must be pruned")
	}
}

func TestFeatured(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	const url = "https://cdn.example/photos/a1.jpg"
	featured, err := st.IsFeatured(ctx, url)
	if err != nil {
		t.Fatalf("IsFeatured: %v", err)
	}
	if featured {
		t.Fatal("unknown url should not be featured")
	}

	item := FeaturedItem{
		ContentURL:    url,
		SourceScopeID: 12,
		OriginRef:     "10555",
		AuthorID:      77,
		FeaturedAt:    time.Date(2026, 8, 28, 18, 0, 0, 0, time.UTC),
	}
	if err := st.RecordFeatured(ctx, item); err != nil {
		t.Fatalf("RecordFeatured: %v", err)
	}

	featured, err = st.IsFeatured(ctx, url)
	if err != nil {
		t.Fatalf("IsFeatured after record: %v", err)
	}
	if !featured {
		t.Fatal("recorded url should be featured")
	}

	// Recording the same url again must not error out the rotation.
	if err := st.RecordFeatured(ctx, item); err != nil {
		t.Fatalf("repeat RecordFeatured: %v", err)
	}
}

func TestPersonalLog(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	entry := PersonalLogEntry{
		SubjectID: 9,
		ScopeID:   3,
		LogDate:   "2026-08-28",
		MessageID: 501,
		Content:   "trained legs today",
		CreatedAt: time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC),
	}
	ok, err := st.InsertPersonalLog(ctx, entry)
	if err != nil {
		t.Fatalf("InsertPersonalLog: %v", err)
	}
	if !ok {
		t.Fatal("first entry of the day should insert")
	}

	dup := entry
	dup.MessageID = 502
	dup.Content = "second post, same day"
	ok, err = st.InsertPersonalLog(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate InsertPersonalLog: %v", err)
	}
	if ok {
		t.Fatal("second entry for the same day should be rejected")
	}

	exists, err := st.PersonalLogExists(ctx, 9, 3, "2026-08-28")
	if err != nil {
		t.Fatalf("PersonalLogExists: %v", err)
	}
	if !exists {
		t.Fatal("entry should exist")
	}

	got, err := st.PersonalLogByDate(ctx, 9, "2026-08-28")
	if err != nil {
		t.Fatalf("PersonalLogByDate: %v", err)
	}
	if got == nil {
		t.Fatal("PersonalLogByDate returned nil")
	}
	if got.Content != "trained legs today" {
		t.Fatalf("duplicate overwrote the original entry: %q", got.Content)
	}

	missing, err := st.PersonalLogByDate(ctx, 9, "2026-08-01")
	if err != nil {
		t.Fatalf("PersonalLogByDate missing day: %v", err)
	}
	if missing != nil {
		t.Fatal("missing day should return nil, nil")
	}
}

func TestRecentPersonalLog(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		day := time.Date(2026, 8, 20+i, 10, 0, 0, 0, time.UTC)
		_, err := st.InsertPersonalLog(ctx, PersonalLogEntry{
			SubjectID: 9,
			ScopeID:   3,
			LogDate:   day.Format("2006-01-02"),
			MessageID: gateway.MessageID(600 + i),
			Content:   day.Format("2006-01-02") + " update",
			CreatedAt: day,
		})
		if err != nil {
			t.Fatalf("seed day %d: %v", i, err)
		}
	}

	entries, err := st.RecentPersonalLog(ctx, 9, 3)
	if err != nil {
		t.Fatalf("RecentPersonalLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].LogDate != "2026-08-24" || entries[2].LogDate != "2026-08-22" {
		t.Fatalf("unexpected order: %s ... %s", entries[0].LogDate, entries[2].LogDate)
	}

	other, err := st.RecentPersonalLog(ctx, 10, 3)
	if err != nil {
		t.Fatalf("RecentPersonalLog other subject: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("other subject should have no entries, got %d", len(other))
	}
}

func TestMembers(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first := MemberAcceptance{SubjectID: 20, DisplayName: "ada", AcceptedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)}
	if err := st.UpsertMember(ctx, first); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}
	second := MemberAcceptance{SubjectID: 21, DisplayName: "grace", AcceptedAt: time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)}
	if err := st.UpsertMember(ctx, second); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}

	// Re-accepting replaces the prior row instead of adding one.
	renamed := first
	renamed.DisplayName = "ada l."
	if err := st.UpsertMember(ctx, renamed); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	members, err := st.ListMembers(ctx)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("want 2 members, got %d", len(members))
	}
	byID := map[gateway.UserID]MemberAcceptance{}
	for _, m := range members {
		byID[m.SubjectID] = m
	}
	if byID[20].DisplayName != "ada l." {
		t.Fatalf("upsert did not replace display name: %q", byID[20].DisplayName)
	}

	if err := st.DeleteMember(ctx, 20); err != nil {
		t.Fatalf("DeleteMember: %v", err)
	}
	members, err = st.ListMembers(ctx)
	if err != nil {
		t.Fatalf("ListMembers after delete: %v", err)
	}
	if len(members) != 1 || members[0].SubjectID != 21 {
		t.Fatalf("unexpected members after delete: %+v", members)
	}

	// Deleting a missing member is a no-op, not an error.
	if err := st.DeleteMember(ctx, 20); err != nil {
		t.Fatalf("repeat DeleteMember: %v", err)
	}
}
