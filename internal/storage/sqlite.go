package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"grovebot/internal/gateway"
	logx "grovebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed store, creating the schema when
// missing.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) TryRecordAction(ctx context.Context, subject gateway.UserID, scope gateway.ScopeID, day, kind string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	// INSERT OR IGNORE makes the existence check and the write a single
	// atomic statement; RowsAffected tells the two outcomes apart.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO action_records(subject_id, scope_id, day, kind, created_at)
		 VALUES(?,?,?,?,?)`,
		int64(subject), int64(scope), day, kind, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ActionExists(ctx context.Context, subject gateway.UserID, scope gateway.ScopeID, day, kind string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM action_records WHERE subject_id=? AND scope_id=? AND day=? AND kind=?`,
		int64(subject), int64(scope), day, kind,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) PruneActions(ctx context.Context, cutoffDay string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	// Lexicographic compare is correct for YYYY-MM-DD.
	res, err := s.db.ExecContext(ctx, `DELETE FROM action_records WHERE day < ?`, cutoffDay)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("pruned stale action records", logx.Int64("removed", n), logx.String("cutoff", cutoffDay))
	}
	return n, nil
}

func (s *sqliteStore) IsFeatured(ctx context.Context, contentURL string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM featured_items WHERE content_url=?`, contentURL).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) RecordFeatured(ctx context.Context, item FeaturedItem) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	at := item.FeaturedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO featured_items(content_url, source_scope_id, origin_ref, author_id, featured_at)
		 VALUES(?,?,?,?,?)`,
		item.ContentURL, int64(item.SourceScopeID), item.OriginRef, nullID(int64(item.AuthorID)), at.Format(time.RFC3339),
	)
	return err
}

func (s *sqliteStore) InsertPersonalLog(ctx context.Context, e PersonalLogEntry) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO personal_log(subject_id, scope_id, log_date, message_id, content, created_at)
		 VALUES(?,?,?,?,?,?)`,
		int64(e.SubjectID), int64(e.ScopeID), e.LogDate, int64(e.MessageID), e.Content, at.Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) PersonalLogExists(ctx context.Context, subject gateway.UserID, scope gateway.ScopeID, logDate string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM personal_log WHERE subject_id=? AND scope_id=? AND log_date=?`,
		int64(subject), int64(scope), logDate,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) RecentPersonalLog(ctx context.Context, subject gateway.UserID, limit int) ([]PersonalLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, scope_id, log_date, message_id, content, created_at
		 FROM personal_log WHERE subject_id=? ORDER BY log_date DESC LIMIT ?`,
		int64(subject), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PersonalLogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PersonalLogByDate(ctx context.Context, subject gateway.UserID, logDate string) (*PersonalLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT subject_id, scope_id, log_date, message_id, content, created_at
		 FROM personal_log WHERE subject_id=? AND log_date=?`,
		int64(subject), logDate,
	)
	e, err := scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteStore) UpsertMember(ctx context.Context, m MemberAcceptance) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	at := m.AcceptedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members(subject_id, display_name, accepted_at) VALUES(?,?,?)
		 ON CONFLICT(subject_id) DO UPDATE SET display_name=excluded.display_name, accepted_at=excluded.accepted_at`,
		int64(m.SubjectID), m.DisplayName, at.Format(time.RFC3339),
	)
	return err
}

func (s *sqliteStore) DeleteMember(ctx context.Context, subject gateway.UserID) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE subject_id=?`, int64(subject))
	return err
}

func (s *sqliteStore) ListMembers(ctx context.Context) ([]MemberAcceptance, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id, display_name, accepted_at FROM members ORDER BY subject_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemberAcceptance
	for rows.Next() {
		var (
			id int64
			m  MemberAcceptance
			at string
		)
		if err := rows.Scan(&id, &m.DisplayName, &at); err != nil {
			return nil, err
		}
		m.SubjectID = gateway.UserID(id)
		m.AcceptedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogEntry(r rowScanner) (PersonalLogEntry, error) {
	var (
		e                  PersonalLogEntry
		subj, scope, msgID int64
		at                 string
	)
	if err := r.Scan(&subj, &scope, &e.LogDate, &msgID, &e.Content, &at); err != nil {
		return PersonalLogEntry{}, err
	}
	e.SubjectID = gateway.UserID(subj)
	e.ScopeID = gateway.ScopeID(scope)
	e.MessageID = gateway.MessageID(msgID)
	e.CreatedAt, _ = time.Parse(time.RFC3339, at)
	return e, nil
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
