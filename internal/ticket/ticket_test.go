package ticket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grovebot/internal/gateway"
	"grovebot/internal/gateway/memory"
	"grovebot/internal/services/scheduler"
	logx "grovebot/pkg/logx"
)

const (
	testCategory gateway.ScopeID = 900
	testStaff    gateway.RoleID  = 50
)

func newTestManager(t *testing.T, closeDelay time.Duration) (*Manager, *memory.Gateway, *scheduler.Service) {
	t.Helper()
	gw := memory.New()
	sched := scheduler.New(scheduler.Config{Workers: 1, DefaultTimeout: time.Second}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		sched.Stop(context.Background())
		cancel()
	})
	m := NewManager(gw, sched, Config{CategoryID: testCategory, StaffRole: testStaff, CloseDelay: closeDelay}, logx.Nop())
	return m, gw, sched
}

func TestOpen(t *testing.T) {
	t.Parallel()
	m, gw, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	tk, err := m.Open(ctx, 42, "Ada Lovelace", "bulk", 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tk.Status != StatusOpen || tk.Subject != 42 || tk.Role != 7 {
		t.Fatalf("unexpected ticket %+v", tk)
	}
	if !gw.ScopeExists(tk.Scope) {
		t.Fatal("ticket scope should exist")
	}

	scopes, err := gw.ScopesIn(ctx, testCategory)
	if err != nil {
		t.Fatalf("ScopesIn: %v", err)
	}
	if len(scopes) != 1 {
		t.Fatalf("want 1 scope in category, got %d", len(scopes))
	}
	if scopes[0].Name != "verify-bulk-ada-lovelace" {
		t.Fatalf("unexpected scope name %q", scopes[0].Name)
	}
	if scopes[0].Tag != "ticket-subject:42" {
		t.Fatalf("unexpected scope tag %q", scopes[0].Tag)
	}

	// A second request while the first is open is refused.
	if _, err := m.Open(ctx, 42, "Ada Lovelace", "cut", 8); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Open: want ErrExists, got %v", err)
	}

	// Other subjects are unaffected.
	if _, err := m.Open(ctx, 43, "Grace Hopper", "bulk", 7); err != nil {
		t.Fatalf("Open for other subject: %v", err)
	}
}

func TestOpenConcurrent(t *testing.T) {
	t.Parallel()
	m, gw, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = m.Open(ctx, 42, "ada", "bulk", 7)
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	for i, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrExists):
		default:
			t.Fatalf("goroutine %d: unexpected error %v", i, err)
		}
	}
	if created != 1 {
		t.Fatalf("want exactly 1 created ticket, got %d", created)
	}
	scopes, _ := gw.ScopesIn(ctx, testCategory)
	if len(scopes) != 1 {
		t.Fatalf("want exactly 1 scope, got %d", len(scopes))
	}
}

func TestOpenSeesPreRestartScope(t *testing.T) {
	t.Parallel()
	m, gw, sched := newTestManager(t, time.Minute)
	ctx := context.Background()

	tk, err := m.Open(ctx, 42, "ada", "bulk", 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Fresh manager, same platform state: the in-memory lock set is
	// gone but the tagged scope still blocks a duplicate.
	m2 := NewManager(gw, sched, Config{CategoryID: testCategory, StaffRole: testStaff, CloseDelay: time.Minute}, logx.Nop())
	if _, err := m2.Open(ctx, 42, "ada", "bulk", 7); !errors.Is(err, ErrExists) {
		t.Fatalf("Open after restart: want ErrExists, got %v", err)
	}

	// And Resolve reconstructs the ticket from the scope tag.
	got, err := m2.Resolve(ctx, tk.Scope, true)
	if err != nil {
		t.Fatalf("Resolve after restart: %v", err)
	}
	if got.Subject != 42 {
		t.Fatalf("recovered subject = %d, want 42", got.Subject)
	}
	if got.Role != 0 {
		t.Fatalf("recovered ticket should have no role, got %d", got.Role)
	}
}

func TestResolveOnce(t *testing.T) {
	t.Parallel()
	m, gw, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	tk, err := m.Open(ctx, 42, "ada", "bulk", 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := m.Resolve(ctx, tk.Scope, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}
	if !gw.ScopeLocked(tk.Scope) {
		t.Fatal("resolved scope should be read-only")
	}

	if _, err := m.Resolve(ctx, tk.Scope, false); !errors.Is(err, ErrResolved) {
		t.Fatalf("second Resolve: want ErrResolved, got %v", err)
	}
	if _, err := m.Resolve(ctx, 12345, true); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Resolve unknown scope: want ErrNotOpen, got %v", err)
	}
}

func TestResolveConcurrent(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	tk, err := m.Open(ctx, 42, "ada", "bulk", 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = m.Resolve(ctx, tk.Scope, i%2 == 0)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrResolved):
		default:
			t.Fatalf("goroutine %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly 1 winning Resolve, got %d", wins)
	}
}

func TestCloseAndReopen(t *testing.T) {
	t.Parallel()
	m, gw, _ := newTestManager(t, 30*time.Millisecond)
	ctx := context.Background()

	tk, err := m.Open(ctx, 42, "ada", "bulk", 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.Resolve(ctx, tk.Scope, false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for gw.ScopeExists(tk.Scope) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if gw.ScopeExists(tk.Scope) {
		t.Fatal("resolved scope should be dropped after the close delay")
	}

	// With the old ticket torn down the subject may ask again.
	tk2, err := m.Open(ctx, 42, "ada", "cut", 8)
	if err != nil {
		t.Fatalf("re-open after close: %v", err)
	}
	if tk2.Scope == tk.Scope {
		t.Fatal("new ticket should get a fresh scope")
	}
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"Ada Lovelace", "ada-lovelace"},
		{"grace_hopper-99", "grace-hopper-99"},
		{"Ωλμ", "member"},
		{"", "member"},
	}
	for _, c := range cases {
		if got := sanitizeName(c.in); got != c.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
