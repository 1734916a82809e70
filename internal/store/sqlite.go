package store

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

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"readmark/internal/remind"
	logx "readmark/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the SQLite database at cfg.Path, applies PRAGMAs,
// runs migrations, and returns the store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite is a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busy.Milliseconds()),
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragmas: %w", err)
		}
	}

	if log.IsZero() {
		log = logx.Nop()
	}
	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ---- users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u *remind.User) error {
	if u == nil {
		return errors.New("nil user")
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tz := u.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = "UTC"
	}
	policy := u.DefaultPolicy
	if policy == "" {
		policy = remind.PolicyDefault
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (chat_id, username, first_name, tz, tz_set, default_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			username   = excluded.username,
			first_name = excluded.first_name`,
		u.ChatID, u.Username, u.FirstName, tz, boolToInt(u.TimezoneSet), string(policy), created.Unix(),
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, chatID int64) (*remind.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, username, first_name, tz, tz_set, default_policy, created_at
		FROM users WHERE chat_id = ?`, chatID)

	var (
		u       remind.User
		tzSet   int
		policy  string
		created int64
	)
	if err := row.Scan(&u.ChatID, &u.Username, &u.FirstName, &u.Timezone, &tzSet, &policy, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", chatID, remind.ErrNotFound)
		}
		return nil, err
	}
	u.TimezoneSet = tzSet != 0
	u.DefaultPolicy = remind.Policy(policy)
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}

func (s *sqliteStore) SetTimezone(ctx context.Context, chatID int64, tz string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET tz = ?, tz_set = 1 WHERE chat_id = ?`, tz, chatID)
	if err != nil {
		return err
	}
	return mustAffect(res, chatID)
}

func (s *sqliteStore) SetDefaultPolicy(ctx context.Context, chatID int64, p remind.Policy) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET default_policy = ? WHERE chat_id = ?`, string(p), chatID)
	if err != nil {
		return err
	}
	return mustAffect(res, chatID)
}

// ---- links ----

func (s *sqliteStore) CreateLink(ctx context.Context, l *remind.Link) error {
	if l == nil {
		return errors.New("nil link")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO links (chat_id, url, saved_at) VALUES (?, ?, ?)`,
		l.ChatID, l.URL, l.SavedAt.Unix())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = id
	return nil
}

func (s *sqliteStore) GetLink(ctx context.Context, id int64) (*remind.Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, url, saved_at, read_at FROM links WHERE id = ?`, id)
	var (
		l     remind.Link
		saved int64
		read  sql.NullInt64
	)
	if err := row.Scan(&l.ID, &l.ChatID, &l.URL, &saved, &read); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("link %d: %w", id, remind.ErrNotFound)
		}
		return nil, err
	}
	l.SavedAt = time.Unix(saved, 0).UTC()
	l.ReadAt = fromNullUnix(read)
	return &l, nil
}

func (s *sqliteStore) ListRecentLinks(ctx context.Context, chatID int64, limit int) ([]remind.Link, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, url, saved_at, read_at
		FROM links WHERE chat_id = ?
		ORDER BY saved_at DESC, id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []remind.Link
	for rows.Next() {
		var (
			l     remind.Link
			saved int64
			read  sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.ChatID, &l.URL, &saved, &read); err != nil {
			return nil, err
		}
		l.SavedAt = time.Unix(saved, 0).UTC()
		l.ReadAt = fromNullUnix(read)
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *sqliteStore) MarkLinkRead(ctx context.Context, linkID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE links SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		at.Unix(), linkID)
	return err
}

func (s *sqliteStore) DeleteLink(ctx context.Context, linkID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, linkID)
	return err
}

// ---- reminders ----

func (s *sqliteStore) CreateReminder(ctx context.Context, r *remind.Reminder) error {
	if r == nil {
		return errors.New("nil reminder")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (link_id, chat_id, url, state, due_at, snooze_count, retry_count, claim_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		r.LinkID, r.ChatID, r.URL, string(r.State), r.DueAt.Unix(),
		r.SnoozeCount, r.RetryCount, r.CreatedAt.Unix(), r.UpdatedAt.Unix())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

const reminderCols = `id, link_id, chat_id, url, state, due_at, snooze_count, retry_count, claim_token, created_at, updated_at`

func (s *sqliteStore) GetReminder(ctx context.Context, id int64) (*remind.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reminder %d: %w", id, remind.ErrNotFound)
	}
	return r, err
}

func (s *sqliteStore) GetReminderByLink(ctx context.Context, linkID int64) (*remind.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE link_id = ? ORDER BY id DESC LIMIT 1`, linkID)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("link %d: %w", linkID, remind.ErrNotFound)
	}
	return r, err
}

func (s *sqliteStore) FindDuePending(ctx context.Context, now time.Time, limit int) ([]remind.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reminderCols+` FROM reminders
		WHERE state = ? AND due_at <= ?
		ORDER BY due_at ASC LIMIT ?`,
		string(remind.StatePending), now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []remind.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *r)
	}
	return res, rows.Err()
}

func (s *sqliteStore) TryClaim(ctx context.Context, id int64, expected remind.State, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET state = ?, claim_token = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(remind.StateClaimed), token, now.Unix(), id, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) MarkFired(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	return s.resolveClaim(ctx, id, token, remind.StateFired, -1, now)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	return s.resolveClaim(ctx, id, token, remind.StateFailed, -1, now)
}

func (s *sqliteStore) ReleaseClaim(ctx context.Context, id int64, token string, retryCount int, now time.Time) (bool, error) {
	return s.resolveClaim(ctx, id, token, remind.StatePending, retryCount, now)
}

// resolveClaim finalizes a claimed reminder; only the claim owner's token
// matches. retryCount < 0 keeps the stored value.
func (s *sqliteStore) resolveClaim(ctx context.Context, id int64, token string, to remind.State, retryCount int, now time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if retryCount < 0 {
		res, err = s.db.ExecContext(ctx, `
			UPDATE reminders SET state = ?, claim_token = '', updated_at = ?
			WHERE id = ? AND state = ? AND claim_token = ?`,
			string(to), now.Unix(), id, string(remind.StateClaimed), token)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE reminders SET state = ?, claim_token = '', retry_count = ?, updated_at = ?
			WHERE id = ? AND state = ? AND claim_token = ?`,
			string(to), retryCount, now.Unix(), id, string(remind.StateClaimed), token)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Transition(ctx context.Context, r *remind.Reminder, from remind.State) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET state = ?, due_at = ?, snooze_count = ?, retry_count = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(r.State), r.DueAt.Unix(), r.SnoozeCount, r.RetryCount, r.UpdatedAt.Unix(),
		r.ID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET state = ?, claim_token = ''
		WHERE state = ? AND updated_at < ?`,
		string(remind.StatePending), string(remind.StateClaimed), olderThan.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- helpers ----

type scanner interface {
	Scan(dest ...any) error
}

func scanReminder(row scanner) (*remind.Reminder, error) {
	var (
		r       remind.Reminder
		state   string
		due     int64
		created int64
		updated int64
	)
	if err := row.Scan(&r.ID, &r.LinkID, &r.ChatID, &r.URL, &state, &due,
		&r.SnoozeCount, &r.RetryCount, &r.ClaimToken, &created, &updated); err != nil {
		return nil, err
	}
	r.State = remind.State(state)
	r.DueAt = time.Unix(due, 0).UTC()
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	return &r, nil
}

func fromNullUnix(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(ns.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustAffect(res sql.Result, chatID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", chatID, remind.ErrNotFound)
	}
	return nil
}
