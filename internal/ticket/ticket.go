// Package ticket implements the human-verification workflow: a private
// scope per request, resolved exactly once by a privileged actor, then
// torn down after a grace delay.
//
// Durability model: a ticket's only durable form is its private scope;
// the scope's tag field carries the subject id, so open tickets survive
// a process restart with no database row. What a restart does lose is
// the in-memory per-subject creation lock, which degrades safely — the
// category scan in Open is the secondary duplicate guard.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grovebot/internal/gateway"
	"grovebot/internal/services/scheduler"
	logx "grovebot/pkg/logx"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusClosed   Status = "closed"
)

var (
	// ErrExists means the subject already has an open ticket.
	ErrExists = errors.New("ticket: subject already has an open ticket")
	// ErrResolved means the ticket was already approved or rejected.
	ErrResolved = errors.New("ticket: already resolved")
	// ErrNotOpen means no open ticket backs the given scope.
	ErrNotOpen = errors.New("ticket: no open ticket for scope")
)

const tagPrefix = "ticket-subject:"

type Config struct {
	CategoryID gateway.ScopeID
	StaffRole  gateway.RoleID
	// CloseDelay is how long a resolved ticket's scope stays readable
	// before it is destroyed. Defaults to 60s.
	CloseDelay time.Duration
}

type Ticket struct {
	ID      string
	Subject gateway.UserID
	Role    gateway.RoleID
	Scope   gateway.ScopeID
	Status  Status
}

// Manager owns ticket state. The per-subject lock set serializes
// concurrent creation attempts; everything else is keyed by scope.
type Manager struct {
	gw    gateway.Gateway
	sched *scheduler.Service
	log   logx.Logger
	cfg   Config

	mu       sync.Mutex
	creating map[gateway.UserID]bool
	open     map[gateway.ScopeID]*Ticket
}

func NewManager(gw gateway.Gateway, sched *scheduler.Service, cfg Config, log logx.Logger) *Manager {
	if cfg.CloseDelay <= 0 {
		cfg.CloseDelay = 60 * time.Second
	}
	return &Manager{
		gw:       gw,
		sched:    sched,
		log:      log,
		cfg:      cfg,
		creating: map[gateway.UserID]bool{},
		open:     map[gateway.ScopeID]*Ticket{},
	}
}

// Open creates a private verification scope for subject. Exactly one of
// N concurrent calls for the same subject creates a scope; the rest get
// ErrExists. No partial scope is left behind on failure.
func (m *Manager) Open(ctx context.Context, subject gateway.UserID, subjectName, label string, role gateway.RoleID) (*Ticket, error) {
	m.mu.Lock()
	if m.creating[subject] {
		m.mu.Unlock()
		return nil, ErrExists
	}
	for _, t := range m.open {
		if t.Subject == subject && t.Status == StatusOpen {
			m.mu.Unlock()
			return nil, ErrExists
		}
	}
	m.creating[subject] = true
	m.mu.Unlock()

	// The creation lock must come off no matter how creation ends;
	// platform calls below can fail at any point.
	defer func() {
		m.mu.Lock()
		delete(m.creating, subject)
		m.mu.Unlock()
	}()

	// Secondary guard: an open scope tagged with this subject may exist
	// from before a restart.
	existing, err := m.gw.ScopesIn(ctx, m.cfg.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("listing ticket scopes: %w", err)
	}
	for _, sc := range existing {
		if subjectFromTag(sc.Tag) == subject {
			return nil, ErrExists
		}
	}

	name := strings.ToLower(fmt.Sprintf("verify-%s-%s", label, sanitizeName(subjectName)))
	scope, err := m.gw.NewScope(ctx, gateway.CreateScope{
		Name:       name,
		CategoryID: m.cfg.CategoryID,
		Tag:        tagPrefix + strconv.FormatInt(int64(subject), 10),
		ViewerIDs:  []gateway.UserID{subject},
		ViewerRole: m.cfg.StaffRole,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ticket scope: %w", err)
	}

	t := &Ticket{
		ID:      uuid.NewString(),
		Subject: subject,
		Role:    role,
		Scope:   scope,
		Status:  StatusOpen,
	}
	m.mu.Lock()
	m.open[scope] = t
	m.mu.Unlock()

	m.log.Info("ticket opened",
		logx.String("ticket", t.ID), logx.Int64("subject", int64(subject)), logx.Int64("scope", int64(scope)))
	return t, nil
}

// Resolve transitions the ticket backing scope to Approved or Rejected.
// The first caller wins; later callers get ErrResolved. A ticket
// unknown in memory (restart) is reconstructed from the scope tag.
// Teardown is scheduled at an absolute time CloseDelay from now.
func (m *Manager) Resolve(ctx context.Context, scope gateway.ScopeID, approve bool) (*Ticket, error) {
	m.mu.Lock()
	t, ok := m.open[scope]
	if !ok {
		t = m.recoverLocked(ctx, scope)
		if t == nil {
			m.mu.Unlock()
			return nil, ErrNotOpen
		}
	}
	if t.Status != StatusOpen {
		m.mu.Unlock()
		return nil, ErrResolved
	}
	if approve {
		t.Status = StatusApproved
	} else {
		t.Status = StatusRejected
	}
	m.mu.Unlock()

	// Make the resolved scope read-only for its remaining lifetime.
	locked := true
	if err := m.gw.EditScope(ctx, scope, gateway.ScopeSettings{SendLocked: &locked}); err != nil {
		m.log.Warn("ticket scope lock failed", logx.String("ticket", t.ID), logx.Err(err))
	}

	closeAt := time.Now().Add(m.cfg.CloseDelay)
	err := m.sched.AddOnce("ticket.close."+t.ID, closeAt, 30*time.Second, func(ctx context.Context) error {
		return m.close(ctx, scope)
	})
	if err != nil {
		m.log.Error("ticket close scheduling failed", logx.String("ticket", t.ID), logx.Err(err))
	}

	m.log.Info("ticket resolved",
		logx.String("ticket", t.ID), logx.String("status", string(t.Status)))
	return t, nil
}

// Lookup returns the open ticket backing scope, reconstructing it from
// scope metadata after a restart.
func (m *Manager) Lookup(ctx context.Context, scope gateway.ScopeID) *Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.open[scope]; ok {
		return t
	}
	return m.recoverLocked(ctx, scope)
}

func (m *Manager) close(ctx context.Context, scope gateway.ScopeID) error {
	m.mu.Lock()
	t := m.open[scope]
	delete(m.open, scope)
	m.mu.Unlock()

	if err := m.gw.DropScope(ctx, scope); err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return fmt.Errorf("dropping ticket scope: %w", err)
	}
	if t != nil {
		t.Status = StatusClosed
		m.log.Info("ticket closed", logx.String("ticket", t.ID))
	}
	return nil
}

// recoverLocked rebuilds a Ticket from scope metadata. Call with m.mu
// held. Returns nil when the scope is not a ticket scope.
func (m *Manager) recoverLocked(ctx context.Context, scope gateway.ScopeID) *Ticket {
	scopes, err := m.gw.ScopesIn(ctx, m.cfg.CategoryID)
	if err != nil {
		return nil
	}
	for _, sc := range scopes {
		if sc.ID != scope {
			continue
		}
		subject := subjectFromTag(sc.Tag)
		if subject == 0 {
			return nil
		}
		t := &Ticket{
			ID:      uuid.NewString(),
			Subject: subject,
			Scope:   scope,
			Status:  StatusOpen,
		}
		m.open[scope] = t
		m.log.Info("ticket recovered from scope metadata",
			logx.Int64("subject", int64(subject)), logx.Int64("scope", int64(scope)))
		return t
	}
	return nil
}

func subjectFromTag(tag string) gateway.UserID {
	if !strings.HasPrefix(tag, tagPrefix) {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(tag, tagPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return gateway.UserID(id)
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "member"
	}
	return b.String()
}
